package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Credentials is the login form payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the credentials before any network call.
func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
		validation.Field(&c.Password, validation.Required, validation.Length(1, 256)),
	)
}

// RegisterRequest is the registration payload. Extra carries any additional
// profile fields the backend accepts; they are sent at the top level.
type RegisterRequest struct {
	Email    string
	Password string
	Name     string
	Extra    map[string]any
}

// Validate checks the registration payload before any network call.
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
		validation.Field(&r.Password, validation.Required, validation.Length(6, 256)),
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
	)
}

func (r RegisterRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["email"] = r.Email
	out["password"] = r.Password
	out["name"] = r.Name
	return json.Marshal(out)
}

// User is the normalized current-user record. Fields outside the known set
// are kept verbatim in Profile.
type User struct {
	ID      int64
	Email   string
	Name    string
	Role    string
	Profile map[string]json.RawMessage
}

var knownUserFields = map[string]struct{}{
	"id": {}, "email": {}, "name": {}, "role": {},
}

func (u *User) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("user is not an object")
	}

	var known struct {
		ID    json.Number `json:"id"`
		Email string      `json:"email"`
		Name  string      `json:"name"`
		Role  string      `json:"role"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var id int64
	if known.ID != "" {
		v, err := known.ID.Int64()
		if err != nil {
			return fmt.Errorf("user id %q: %w", known.ID, err)
		}
		id = v
	}

	u.ID = id
	u.Email = known.Email
	u.Name = known.Name
	u.Role = known.Role
	u.Profile = nil
	for k, v := range raw {
		if _, ok := knownUserFields[k]; ok {
			continue
		}
		if u.Profile == nil {
			u.Profile = make(map[string]json.RawMessage)
		}
		u.Profile[k] = v
	}
	return nil
}

func (u User) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Profile)+4)
	for k, v := range u.Profile {
		out[k] = v
	}
	out["id"] = u.ID
	out["email"] = u.Email
	if u.Name != "" {
		out["name"] = u.Name
	}
	if u.Role != "" {
		out["role"] = u.Role
	}
	return json.Marshal(out)
}

// Clone returns a deep copy so cached users are never shared with callers.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.Profile != nil {
		out.Profile = make(map[string]json.RawMessage, len(u.Profile))
		for k, v := range u.Profile {
			out.Profile[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

func (u *User) check() error {
	if u.ID == 0 && u.Email == "" {
		return errors.New("user has neither id nor email")
	}
	return nil
}

// Grant is the normalized token material returned by login, register and refresh.
// ExpiresAt is zero when neither the response nor the token carries an expiry.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *User
}

// HasTokens reports whether the grant carries a usable token pair.
func (g *Grant) HasTokens() bool {
	return g != nil && g.AccessToken != "" && g.RefreshToken != ""
}

type grantWire struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    timestamp `json:"expiresAt"`
	User         *User     `json:"user"`
}

type userWire struct {
	User *User `json:"user"`
}

// timestamp accepts RFC 3339 strings and epoch seconds or milliseconds.
type timestamp struct {
	time.Time
}

// Values above this are treated as epoch milliseconds.
const epochMillisThreshold = 1e11

func (t *timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
			return nil
		}
		return t.fromNumber(s)
	}

	return t.fromNumber(string(data))
}

func (t *timestamp) fromNumber(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return fmt.Errorf("invalid timestamp %q", s)
	}
	if f >= epochMillisThreshold {
		t.Time = time.UnixMilli(int64(f))
		return nil
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(frac*1e9))
	return nil
}

// decodeEnvelope unwraps one optional {"data": {...}} level and decodes into out.
func decodeEnvelope(body []byte, out any) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return err
	}
	if probe == nil {
		return errors.New("response is not an object")
	}

	if inner, ok := probe["data"]; ok {
		_, hasToken := probe["token"]
		_, hasUser := probe["user"]
		trimmed := bytes.TrimSpace(inner)
		if !hasToken && !hasUser && len(trimmed) > 0 && trimmed[0] == '{' {
			body = trimmed
		}
	}

	return json.Unmarshal(body, out)
}
