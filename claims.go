package identity

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// UserClaims is the validated ID-token claim set for a signed-in
// principal. It is stored verbatim in the session on login completion,
// refreshed in place on silent token refresh, and removed on logout.
type UserClaims struct {
	// Issuer Identifier for the Issuer of the token.
	Issuer string `json:"iss,omitempty"`
	// Subject is the locally unique, never reassigned identifier for the
	// end user within the issuer.
	Subject string `json:"sub,omitempty"`
	// Audience the token is intended for. Contains the client_id of the
	// relying party.
	Audience StrOrSlice `json:"aud,omitempty"`
	// Expiry is the time on or after which the token must not be
	// accepted.
	Expiry UnixTime `json:"exp,omitempty"`
	// IssuedAt is the time at which the token was issued.
	IssuedAt UnixTime `json:"iat,omitempty"`
	// TenantID identifies the authority tenant the user belongs to, on
	// multi-tenant authorities.
	TenantID string `json:"tid,omitempty"`
	// PreferredUsername is the username the user prefers to be referred
	// to as. Used to locate the matching cached account on silent token
	// acquisition.
	PreferredUsername string `json:"preferred_username,omitempty"`
	// Name is the end user's displayable name.
	Name string `json:"name,omitempty"`
	// Email address of the end user.
	Email string `json:"email,omitempty"`

	// Extra are additional claims, that the standard claims will be
	// merged in to. If a key is overridden here, the struct value wins.
	Extra map[string]any `json:"-"`

	// keep the raw data here, so we can unmarshal in to custom structs
	raw json.RawMessage
}

func (c UserClaims) String() string {
	m, err := json.Marshal(&c)
	if err != nil {
		return fmt.Sprintf("sub: %s failed: %v", c.Subject, err)
	}
	return string(m)
}

func (c UserClaims) MarshalJSON() ([]byte, error) {
	// avoid recursing on this method
	type ucl UserClaims
	uc := ucl(c)

	sj, err := json.Marshal(&uc)
	if err != nil {
		return nil, err
	}

	sm := map[string]any{}
	if err := json.Unmarshal(sj, &sm); err != nil {
		return nil, err
	}

	om := map[string]any{}

	for k, v := range c.Extra {
		om[k] = v
	}

	for k, v := range sm {
		om[k] = v
	}

	return json.Marshal(om)
}

func (c *UserClaims) UnmarshalJSON(b []byte) error {
	type ucl UserClaims
	uc := ucl{}

	if err := json.Unmarshal(b, &uc); err != nil {
		return err
	}

	em := map[string]any{}

	if err := json.Unmarshal(b, &em); err != nil {
		return err
	}

	for _, f := range []string{
		"iss", "sub", "aud", "exp", "iat", "tid", "preferred_username", "name", "email",
	} {
		delete(em, f)
	}

	if len(em) > 0 {
		uc.Extra = em
	}

	uc.raw = b

	*c = UserClaims(uc)

	return nil
}

// Unmarshal unpacks the raw JSON data from this claim set into the
// passed type.
func (c *UserClaims) Unmarshal(into any) error {
	if c.raw == nil {
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		c.raw = b
	}
	return json.Unmarshal(c.raw, into)
}

// StrOrSlice represents a JWT claim that can either be a single string,
// or a list of strings.
type StrOrSlice []string

// Contains returns true if a passed item is found in the set
func (a StrOrSlice) Contains(s string) bool {
	return slices.Contains(a, s)
}

func (a StrOrSlice) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

func (a *StrOrSlice) UnmarshalJSON(b []byte) error {
	var ua any
	if err := json.Unmarshal(b, &ua); err != nil {
		return err
	}

	switch ja := ua.(type) {
	case string:
		*a = []string{ja}
	case []any:
		aa := make([]string, len(ja))
		for i, ia := range ja {
			sa, ok := ia.(string)
			if !ok {
				return fmt.Errorf("failed to unmarshal audience, expected []string but found %T", ia)
			}
			aa[i] = sa
		}
		*a = aa
	default:
		return fmt.Errorf("failed to unmarshal audience, expected string or []string but found %T", ua)
	}

	return nil
}

// UnixTime represents the number of seconds from 1970-01-01T0:0:0Z as
// measured in UTC until the date/time. This is the type ID tokens use
// to represent dates.
type UnixTime int64

// NewUnixTime creates a UnixTime from the given Time, t
func NewUnixTime(t time.Time) UnixTime {
	return UnixTime(t.Unix())
}

// Time returns the *time.Time this represents
func (u UnixTime) Time() time.Time {
	return time.Unix(int64(u), 0)
}

func (u UnixTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(u), 10)), nil
}

func (u *UnixTime) UnmarshalJSON(b []byte) error {
	flt, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("failed to parse UnixTime: %v", err)
	}
	*u = UnixTime(int64(flt))
	return nil
}
