package privacyidea

import "context"

// UserRef identifies a resolved directory user.
//
// UserRef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type UserRef struct {
	Login    string
	Realm    string
	Resolver string
	Info     map[string]string
}

// TokenStore is the persistence collaborator for token records. Update
// must run the closure under a per-serial row lock (or an equivalent
// optimistic version check) and commit the mutated record atomically:
// replay safety depends on two concurrent requests not both accepting
// the same counter value.
type TokenStore interface {
	GetBySerial(ctx context.Context, serial string) (*TokenRecord, error)
	GetByUser(ctx context.Context, login, realm string) ([]*TokenRecord, error)
	GetUnassignedByRealm(ctx context.Context, realm string) ([]*TokenRecord, error)
	Create(ctx context.Context, rec *TokenRecord) error
	Update(ctx context.Context, serial string, fn func(rec *TokenRecord) error) error
	Delete(ctx context.Context, serial string) error
}

// PolicyStore is the persistence collaborator for the policy set,
// retrieved priority-ordered. The engine only reads it when rebuilding
// the snapshot; CRUD belongs to the administrative layer.
type PolicyStore interface {
	List(ctx context.Context) ([]Policy, error)
	Save(ctx context.Context, p Policy) error
	Delete(ctx context.Context, name string) error
}

// UserResolver is the directory collaborator used for user resolution
// and pass-through password checks. Implementations own their timeouts;
// the engine never retries these calls.
type UserResolver interface {
	ResolveUser(ctx context.Context, login, realm string) (*UserRef, error)
	CheckDirectoryPassword(ctx context.Context, user *UserRef, password string) (bool, error)
}
