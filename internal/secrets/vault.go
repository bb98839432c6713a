package secrets

import (
	"context"
	"regexp"
	"sort"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Vault resolves agent secrets and ${{ secrets.NAME }} references at runtime.
// Values are encrypted at rest and only held in memory while a step runs.
type Vault interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
	Store(ctx context.Context, name string, value []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence the vault needs. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, name string, value []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, name string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// secrets become container environment variables, so names follow env rules.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateName rejects names that cannot be exported as environment variables.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return schema.NewErrorf(schema.ErrCodeVault, "invalid secret name %q: use letters, digits and underscores", name)
	}
	return nil
}

// Env resolves names and renders them as NAME=value pairs for a container
// environment. Pairs are sorted by name. A missing secret fails the whole call.
func Env(ctx context.Context, v Vault, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if v == nil {
		return nil, schema.NewError(schema.ErrCodeVault, "agent declares secrets but no vault is configured")
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	env := make([]string, 0, len(sorted))
	for i, name := range sorted {
		if i > 0 && sorted[i-1] == name {
			continue
		}
		val, err := v.Resolve(ctx, name)
		if err != nil {
			return nil, schema.AsError(err, schema.ErrCodeVault).
				WithDetails(map[string]any{"secret": name})
		}
		env = append(env, name+"="+string(val))
	}
	return env, nil
}
