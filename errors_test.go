package dls_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/pthm/dls"
	"github.com/pthm/dls/pkg/querymut"
)

func TestErrorHelpers(t *testing.T) {
	t.Run("IsNotAllowedErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", dls.ErrNotAllowed)
		if !dls.IsNotAllowedErr(err) {
			t.Error("IsNotAllowedErr should return true for wrapped ErrNotAllowed")
		}
		if dls.IsNotAllowedErr(errors.New("other error")) {
			t.Error("IsNotAllowedErr should return false for other errors")
		}
	})

	t.Run("IsNotConsistentErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", dls.ErrNotConsistent)
		if !dls.IsNotConsistentErr(err) {
			t.Error("IsNotConsistentErr should return true for wrapped ErrNotConsistent")
		}
		if dls.IsNotConsistentErr(dls.ErrNotFound) {
			t.Error("IsNotConsistentErr should return false for ErrNotFound")
		}
	})

	t.Run("IsNotFoundErr with NotFoundf", func(t *testing.T) {
		err := dls.NotFoundf("node %q", "abc")
		assert.True(t, dls.IsNotFoundErr(err))
		assert.Contains(t, err.Error(), `node "abc"`)
	})

	t.Run("sudo sentinel matches errors carrying details", func(t *testing.T) {
		assert.True(t, errors.Is(dls.ErrSudoNotSuperuser, dls.ErrNotAllowed))
		assert.True(t, dls.IsNotAllowedErr(dls.ErrSudoNotSuperuser))
		assert.False(t, errors.Is(dls.NotFoundf("x"), dls.ErrSudoNotSuperuser))
	})

	t.Run("IsTransientErr", func(t *testing.T) {
		err := fmt.Errorf("upsert grants: %w", dls.ErrTransient)
		assert.True(t, dls.IsTransientErr(err))
		assert.False(t, dls.IsTransientErr(dls.ErrNotAllowed))
	})
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
		wantHTTP int
	}{
		{"nil", nil, codes.OK, http.StatusOK},
		{"not allowed", dls.ErrNotAllowed, codes.PermissionDenied, http.StatusForbidden},
		{"not consistent", fmt.Errorf("x: %w", dls.ErrNotConsistent), codes.InvalidArgument, http.StatusBadRequest},
		{"not found", dls.NotFoundf("missing"), codes.NotFound, http.StatusNotFound},
		{"transient", dls.ErrTransient, codes.Unavailable, http.StatusServiceUnavailable},
		{"lod dimension", fmt.Errorf("run pipeline: %w", dls.ErrLODDimension), codes.InvalidArgument, http.StatusBadRequest},
		{"formula validation", &querymut.ValidationError{}, codes.InvalidArgument, http.StatusBadRequest},
		{"sudo", dls.ErrSudoNotSuperuser, codes.PermissionDenied, http.StatusForbidden},
		{"other", errors.New("boom"), codes.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, dls.Code(tt.err))
			assert.Equal(t, tt.wantHTTP, dls.HTTPStatus(tt.err))
		})
	}
}
