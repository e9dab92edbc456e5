// Package credentials loads the accounts a run logs in with and rejects
// account lists whose ids would collide in file names.
package credentials

import (
	"fmt"
	"log/slog"
	"strings"

	"classreports/pkg/configutil"
	"classreports/pkg/textutil"
)

const redacted = "********"

// Secret is a password that never prints itself.
type Secret string

func (s Secret) String() string {
	return redacted
}

func (s Secret) GoString() string {
	return redacted
}

func (s Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Reveal returns the cleartext, it should only ever be typed into a login form.
func (s Secret) Reveal() string {
	return string(s)
}

// Account is one set of portal credentials.
type Account struct {
	ID       string
	Username string
	Secret   Secret
}

func (a Account) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", a.ID),
		slog.String("username", a.Username),
	)
}

func (a Account) String() string {
	return fmt.Sprintf("%s (%s)", a.ID, a.Username)
}

// entry is the on-disk shape, a list of these is what users.json contains.
type entry struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Load reads the credentials file (json5, with a ".local" override) once and
// returns the accounts in file order.
func Load(path string) ([]Account, error) {
	entries, err := configutil.ReadConfig[[]entry](path)
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", path, err)
	}

	accounts := make([]Account, len(entries))
	for i, e := range entries {
		accounts[i] = Account{
			ID:       strings.TrimSpace(e.AccountID),
			Username: strings.TrimSpace(e.Username),
			Secret:   Secret(e.Password),
		}
		if accounts[i].ID == "" {
			accounts[i].ID = accounts[i].Username
		}
	}

	err = Validate(accounts)
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", path, err)
	}
	return accounts, nil
}

// Validate checks that every account can log in and that ids are unique.
// Ids end up in file names, so two ids are the same when their file name
// forms match ignoring case: "ms smith" and "Ms_Smith" collide.
func Validate(accounts []Account) error {
	seen := map[string]int{}
	for i, a := range accounts {
		if a.Username == "" {
			return fmt.Errorf("account #%d: username is empty", i+1)
		}
		if a.Secret == "" {
			return fmt.Errorf("account %s: password is empty", a.ID)
		}
		if a.ID == "" {
			return fmt.Errorf("account #%d: id is empty", i+1)
		}
		key := strings.ToLower(textutil.SafeFileName(a.ID))
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("account %s: duplicate of account #%d (%s), both are saved as %q", a.ID, prev+1, accounts[prev].ID, key)
		}
		seen[key] = i
	}
	return nil
}
