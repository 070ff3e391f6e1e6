package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// User identifies an account allowed to use the admin api
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UserRecord is a users.json entry, the file maps email to the record.
// Consumed read-only, account management is not part of this system.
type UserRecord struct {
	User User   `json:"user"`
	Pass string `json:"pass"`
}

// LoadUsers reads users.json from the given path. Missing file is not an
// error and yields an empty set, nobody can authenticate then. Keys are
// lowercased so email matching is case-insensitive.
func LoadUsers(path string) (map[string]UserRecord, error) {
	b, err := os.ReadFile(path) // nolint gosec // path is under the state root
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]UserRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]UserRecord
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	res := make(map[string]UserRecord, len(raw))
	for email, rec := range raw {
		res[strings.ToLower(email)] = rec
	}
	return res, nil
}
