// Package ops provides the concrete per-item operations driven by the
// batch engine. Each operation wraps the API client, resolves the item
// identifier to a user, performs its side effect, and classifies the
// outcome for the checkpoint.
package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kettleops/usersweep/internal/api"
	"github.com/kettleops/usersweep/internal/checkpoint"
	"github.com/kettleops/usersweep/internal/engine/batch"
)

// ErrInvalidIdentifier is returned by item validation for identifiers that
// are neither a user id nor an email address.
var ErrInvalidIdentifier = errors.New("invalid item identifier")

// ErrUnsupportedOperation is returned when no concrete operation exists
// for a checkpoint's operation type.
var ErrUnsupportedOperation = errors.New("unsupported operation type")

// validateIdentifier accepts provider-qualified user ids ("auth0|abc123")
// and email addresses. Anything else is classified invalid before the
// remote API is consulted.
func validateIdentifier(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || trimmed != id {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	if strings.ContainsAny(id, " \t") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidIdentifier, id)
	}
	if !strings.Contains(id, "|") && !strings.Contains(id, "@") {
		return fmt.Errorf("%w: %q is neither a user id nor an email", ErrInvalidIdentifier, id)
	}
	return nil
}

// resolve maps an item identifier to a user record. Emails go through the
// search endpoint and may produce a multiple-matches outcome; user ids are
// fetched directly.
func resolve(ctx context.Context, client *api.Client, id string) (*api.User, error) {
	if strings.Contains(id, "@") && !strings.Contains(id, "|") {
		return client.ResolveEmail(ctx, id)
	}
	return client.GetUser(ctx, id)
}

// classify maps resolution/API errors onto batch dispositions. The
// returned bool reports whether the error was consumed; unconsumed errors
// are technical failures for the engine to record.
func classify(err error) (batch.Result, bool) {
	if errors.Is(err, api.ErrNotFound) {
		return batch.Result{Disposition: batch.DispositionNotFound}, true
	}
	var multi *api.MultipleMatchesError
	if errors.As(err, &multi) {
		return batch.Result{
			Disposition: batch.DispositionMultipleMatches,
			Candidates:  multi.Candidates,
		}, true
	}
	return batch.Result{}, false
}

// DeleteOperation permanently removes users.
type DeleteOperation struct {
	client *api.Client
	dryRun bool
}

// NewDeleteOperation creates the batch-delete operation.
func NewDeleteOperation(client *api.Client, dryRun bool) *DeleteOperation {
	return &DeleteOperation{client: client, dryRun: dryRun}
}

func (o *DeleteOperation) Name() string { return "batch delete" }
func (o *DeleteOperation) Type() checkpoint.OperationType { return checkpoint.OpBatchDelete }
func (o *DeleteOperation) ValidateItem(id string) error { return validateIdentifier(id) }

// ProcessItem resolves the identifier and deletes the user.
func (o *DeleteOperation) ProcessItem(ctx context.Context, id string) (batch.Result, error) {
	user, err := resolve(ctx, o.client, id)
	if err != nil {
		if result, ok := classify(err); ok {
			return result, nil
		}
		return batch.Result{}, err
	}

	if o.dryRun {
		return batch.Result{Disposition: batch.DispositionSkipped, Message: "dry run"}, nil
	}

	if err := o.client.DeleteUser(ctx, user.ID); err != nil {
		if result, ok := classify(err); ok {
			return result, nil
		}
		return batch.Result{}, err
	}
	return batch.Result{Disposition: batch.DispositionProcessed}, nil
}

// BlockOperation blocks users without deleting their records.
type BlockOperation struct {
	client *api.Client
	dryRun bool
}

// NewBlockOperation creates the batch-block operation.
func NewBlockOperation(client *api.Client, dryRun bool) *BlockOperation {
	return &BlockOperation{client: client, dryRun: dryRun}
}

func (o *BlockOperation) Name() string { return "batch block" }
func (o *BlockOperation) Type() checkpoint.OperationType { return checkpoint.OpBatchBlock }
func (o *BlockOperation) ValidateItem(id string) error { return validateIdentifier(id) }

// ProcessItem resolves the identifier and blocks the user. Users that are
// already blocked are skipped.
func (o *BlockOperation) ProcessItem(ctx context.Context, id string) (batch.Result, error) {
	user, err := resolve(ctx, o.client, id)
	if err != nil {
		if result, ok := classify(err); ok {
			return result, nil
		}
		return batch.Result{}, err
	}

	if user.Blocked {
		return batch.Result{Disposition: batch.DispositionSkipped, Message: "already blocked"}, nil
	}
	if o.dryRun {
		return batch.Result{Disposition: batch.DispositionSkipped, Message: "dry run"}, nil
	}

	if err := o.client.BlockUser(ctx, user.ID); err != nil {
		if result, ok := classify(err); ok {
			return result, nil
		}
		return batch.Result{}, err
	}
	return batch.Result{Disposition: batch.DispositionProcessed}, nil
}

// RevokeGrantsOperation revokes all authorization grants for users.
type RevokeGrantsOperation struct {
	client *api.Client
	dryRun bool
}

// NewRevokeGrantsOperation creates the batch-revoke-grants operation.
func NewRevokeGrantsOperation(client *api.Client, dryRun bool) *RevokeGrantsOperation {
	return &RevokeGrantsOperation{client: client, dryRun: dryRun}
}

func (o *RevokeGrantsOperation) Name() string { return "batch revoke grants" }
func (o *RevokeGrantsOperation) Type() checkpoint.OperationType {
	return checkpoint.OpBatchRevokeGrants
}
func (o *RevokeGrantsOperation) ValidateItem(id string) error { return validateIdentifier(id) }

// ProcessItem resolves the identifier and revokes the user's grants.
func (o *RevokeGrantsOperation) ProcessItem(ctx context.Context, id string) (batch.Result, error) {
	user, err := resolve(ctx, o.client, id)
	if err != nil {
		if result, ok := classify(err); ok {
			return result, nil
		}
		return batch.Result{}, err
	}

	if o.dryRun {
		return batch.Result{Disposition: batch.DispositionSkipped, Message: "dry run"}, nil
	}

	if err := o.client.RevokeGrants(ctx, user.ID); err != nil {
		if result, ok := classify(err); ok {
			return result, nil
		}
		return batch.Result{}, err
	}
	return batch.Result{Disposition: batch.DispositionProcessed}, nil
}

// UnlinkOperation detaches social identities from users. With autoDelete
// set, the orphaned social-only account is deleted after unlinking.
type UnlinkOperation struct {
	client     *api.Client
	dryRun     bool
	autoDelete bool
}

// NewUnlinkOperation creates the social-unlink operation.
func NewUnlinkOperation(client *api.Client, dryRun, autoDelete bool) *UnlinkOperation {
	return &UnlinkOperation{client: client, dryRun: dryRun, autoDelete: autoDelete}
}

func (o *UnlinkOperation) Name() string { return "social unlink" }
func (o *UnlinkOperation) Type() checkpoint.OperationType { return checkpoint.OpSocialUnlink }
func (o *UnlinkOperation) ValidateItem(id string) error { return validateIdentifier(id) }

// ProcessItem unlinks every social identity on the user. Users without
// social identities are skipped.
func (o *UnlinkOperation) ProcessItem(ctx context.Context, id string) (batch.Result, error) {
	user, err := resolve(ctx, o.client, id)
	if err != nil {
		if result, ok := classify(err); ok {
			return result, nil
		}
		return batch.Result{}, err
	}

	var social []api.Identity
	for _, identity := range user.Identities {
		if identity.IsSocial {
			social = append(social, identity)
		}
	}
	if len(social) == 0 {
		return batch.Result{Disposition: batch.DispositionSkipped, Message: "no social identities"}, nil
	}
	if o.dryRun {
		return batch.Result{Disposition: batch.DispositionSkipped, Message: "dry run"}, nil
	}

	for _, identity := range social {
		if err := o.client.UnlinkIdentity(ctx, user.ID, identity.Provider, identity.UserID); err != nil {
			if result, ok := classify(err); ok {
				return result, nil
			}
			return batch.Result{}, err
		}
	}

	if o.autoDelete {
		if err := o.client.DeleteUser(ctx, user.ID); err != nil && !errors.Is(err, api.ErrNotFound) {
			return batch.Result{}, err
		}
	}
	return batch.Result{Disposition: batch.DispositionProcessed}, nil
}

// Settings carries the knobs shared by all operation constructors.
type Settings struct {
	DryRun     bool
	AutoDelete bool
	OutputFile string
}

// ForType constructs the concrete operation for a checkpoint operation
// type. Used when resuming, where the type comes from the stored
// checkpoint rather than the command line.
func ForType(t checkpoint.OperationType, client *api.Client, settings Settings) (batch.Operation, error) {
	switch t {
	case checkpoint.OpBatchDelete:
		return NewDeleteOperation(client, settings.DryRun), nil
	case checkpoint.OpBatchBlock:
		return NewBlockOperation(client, settings.DryRun), nil
	case checkpoint.OpBatchRevokeGrants:
		return NewRevokeGrantsOperation(client, settings.DryRun), nil
	case checkpoint.OpSocialUnlink:
		return NewUnlinkOperation(client, settings.DryRun, settings.AutoDelete), nil
	case checkpoint.OpExportLastLogin:
		return NewExportLastLoginOperation(client, settings.OutputFile)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperation, t)
	}
}
