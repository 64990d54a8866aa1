package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettleops/usersweep/internal/api"
	"github.com/kettleops/usersweep/internal/checkpoint"
	"github.com/kettleops/usersweep/internal/engine/batch"
	"github.com/kettleops/usersweep/internal/engine/ratelimit"
)

// fakeService is an in-memory stand-in for the remote user API.
type fakeService struct {
	users map[string]*api.User

	deleted  []string
	blocked  []string
	revoked  []string
	unlinked []string
}

func (s *fakeService) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v2/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.users[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(user)
	})

	mux.HandleFunc("GET /api/v2/users-by-email", func(w http.ResponseWriter, r *http.Request) {
		email := r.URL.Query().Get("email")
		matches := []*api.User{}
		for _, u := range s.users {
			if u.Email == email {
				matches = append(matches, u)
			}
		}
		_ = json.NewEncoder(w).Encode(matches)
	})

	mux.HandleFunc("DELETE /api/v2/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.deleted = append(s.deleted, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("PATCH /api/v2/users/{id}/block", func(w http.ResponseWriter, r *http.Request) {
		s.blocked = append(s.blocked, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/v2/grants", func(w http.ResponseWriter, r *http.Request) {
		s.revoked = append(s.revoked, r.URL.Query().Get("user_id"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /api/v2/users/{id}/identities/{provider}/{identityID}", func(w http.ResponseWriter, r *http.Request) {
		s.unlinked = append(s.unlinked, r.PathValue("provider")+"/"+r.PathValue("identityID"))
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

// newFakeService starts the fake API and returns a client wired to it.
func newFakeService(t *testing.T, users ...*api.User) (*fakeService, *api.Client) {
	t.Helper()
	svc := &fakeService{users: map[string]*api.User{}}
	for _, u := range users {
		svc.users[u.ID] = u
	}

	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(ratelimit.WithSleepFunc(
		func(context.Context, time.Duration) error { return nil }))
	return svc, api.NewClient(srv.URL, "t", limiter, zerolog.Nop())
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"UserID", "auth0|abc123", false},
		{"Email", "user@example.com", false},
		{"Empty", "", true},
		{"LeadingSpace", " auth0|abc", true},
		{"InnerWhitespace", "auth0|abc 123", true},
		{"NeitherIDNorEmail", "abc123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIdentifier(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentifier)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeleteOperation(t *testing.T) {
	t.Run("DeletesByUserID", func(t *testing.T) {
		svc, client := newFakeService(t, &api.User{ID: "auth0|abc", Email: "a@b.c"})
		op := NewDeleteOperation(client, false)

		result, err := op.ProcessItem(context.Background(), "auth0|abc")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionProcessed, result.Disposition)
		assert.Equal(t, []string{"auth0|abc"}, svc.deleted)
	})

	t.Run("ResolvesEmailFirst", func(t *testing.T) {
		svc, client := newFakeService(t, &api.User{ID: "auth0|abc", Email: "a@b.c"})
		op := NewDeleteOperation(client, false)

		result, err := op.ProcessItem(context.Background(), "a@b.c")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionProcessed, result.Disposition)
		assert.Equal(t, []string{"auth0|abc"}, svc.deleted)
	})

	t.Run("UnknownUserIsNotFound", func(t *testing.T) {
		svc, client := newFakeService(t)
		op := NewDeleteOperation(client, false)

		result, err := op.ProcessItem(context.Background(), "auth0|ghost")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionNotFound, result.Disposition)
		assert.Empty(t, svc.deleted)
	})

	t.Run("AmbiguousEmailRefusesToGuess", func(t *testing.T) {
		svc, client := newFakeService(t,
			&api.User{ID: "auth0|one", Email: "dup@b.c"},
			&api.User{ID: "auth0|two", Email: "dup@b.c"})
		op := NewDeleteOperation(client, false)

		result, err := op.ProcessItem(context.Background(), "dup@b.c")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionMultipleMatches, result.Disposition)
		assert.ElementsMatch(t, []string{"auth0|one", "auth0|two"}, result.Candidates)
		assert.Empty(t, svc.deleted)
	})

	t.Run("DryRunTouchesNothing", func(t *testing.T) {
		svc, client := newFakeService(t, &api.User{ID: "auth0|abc"})
		op := NewDeleteOperation(client, true)

		result, err := op.ProcessItem(context.Background(), "auth0|abc")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionSkipped, result.Disposition)
		assert.Empty(t, svc.deleted)
	})
}

func TestBlockOperation(t *testing.T) {
	t.Run("BlocksUnblockedUser", func(t *testing.T) {
		svc, client := newFakeService(t, &api.User{ID: "auth0|abc"})
		op := NewBlockOperation(client, false)

		result, err := op.ProcessItem(context.Background(), "auth0|abc")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionProcessed, result.Disposition)
		assert.Equal(t, []string{"auth0|abc"}, svc.blocked)
	})

	t.Run("AlreadyBlockedIsSkipped", func(t *testing.T) {
		svc, client := newFakeService(t, &api.User{ID: "auth0|abc", Blocked: true})
		op := NewBlockOperation(client, false)

		result, err := op.ProcessItem(context.Background(), "auth0|abc")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionSkipped, result.Disposition)
		assert.Equal(t, "already blocked", result.Message)
		assert.Empty(t, svc.blocked)
	})
}

func TestRevokeGrantsOperation(t *testing.T) {
	svc, client := newFakeService(t, &api.User{ID: "auth0|abc"})
	op := NewRevokeGrantsOperation(client, false)

	result, err := op.ProcessItem(context.Background(), "auth0|abc")
	require.NoError(t, err)
	assert.Equal(t, batch.DispositionProcessed, result.Disposition)
	assert.Equal(t, []string{"auth0|abc"}, svc.revoked)
}

func TestUnlinkOperation(t *testing.T) {
	userWithIdentities := func() *api.User {
		return &api.User{
			ID: "auth0|abc",
			Identities: []api.Identity{
				{Provider: "auth0", UserID: "abc", IsSocial: false},
				{Provider: "google-oauth2", UserID: "g-1", IsSocial: true},
				{Provider: "facebook", UserID: "f-1", IsSocial: true},
			},
		}
	}

	t.Run("UnlinksOnlySocialIdentities", func(t *testing.T) {
		svc, client := newFakeService(t, userWithIdentities())
		op := NewUnlinkOperation(client, false, false)

		result, err := op.ProcessItem(context.Background(), "auth0|abc")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionProcessed, result.Disposition)
		assert.Equal(t, []string{"google-oauth2/g-1", "facebook/f-1"}, svc.unlinked)
		assert.Empty(t, svc.deleted)
	})

	t.Run("NoSocialIdentitiesIsSkipped", func(t *testing.T) {
		svc, client := newFakeService(t, &api.User{
			ID:         "auth0|abc",
			Identities: []api.Identity{{Provider: "auth0", UserID: "abc"}},
		})
		op := NewUnlinkOperation(client, false, false)

		result, err := op.ProcessItem(context.Background(), "auth0|abc")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionSkipped, result.Disposition)
		assert.Empty(t, svc.unlinked)
	})

	t.Run("AutoDeleteRemovesUserAfterUnlink", func(t *testing.T) {
		svc, client := newFakeService(t, userWithIdentities())
		op := NewUnlinkOperation(client, false, true)

		result, err := op.ProcessItem(context.Background(), "auth0|abc")
		require.NoError(t, err)
		assert.Equal(t, batch.DispositionProcessed, result.Disposition)
		assert.Len(t, svc.unlinked, 2)
		assert.Equal(t, []string{"auth0|abc"}, svc.deleted)
	})
}

func TestForType(t *testing.T) {
	_, client := newFakeService(t)

	t.Run("AllSupportedTypes", func(t *testing.T) {
		types := []checkpoint.OperationType{
			checkpoint.OpBatchDelete,
			checkpoint.OpBatchBlock,
			checkpoint.OpBatchRevokeGrants,
			checkpoint.OpSocialUnlink,
		}
		for _, typ := range types {
			op, err := ForType(typ, client, Settings{})
			require.NoError(t, err, typ)
			assert.Equal(t, typ, op.Type())
		}

		op, err := ForType(checkpoint.OpExportLastLogin, client, Settings{OutputFile: "out.csv"})
		require.NoError(t, err)
		assert.Equal(t, checkpoint.OpExportLastLogin, op.Type())
	})

	t.Run("ExportWithoutOutput", func(t *testing.T) {
		_, err := ForType(checkpoint.OpExportLastLogin, client, Settings{})
		assert.ErrorIs(t, err, checkpoint.ErrMissingOutput)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := ForType(checkpoint.OpCheckDomains, client, Settings{})
		assert.ErrorIs(t, err, ErrUnsupportedOperation)
	})
}
