package appErrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
)

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want appErrors.ErrorKind
	}{
		{"nil", nil, ""},
		{"not found", appErrors.NewCampaignNotFound("c1"), appErrors.KindNotFound},
		{"wrapped precondition", fmt.Errorf("publish: %w", appErrors.NewPrecondition("no integration")), appErrors.KindPrecondition},
		{"transition", appErrors.NewInvalidTransition("pause", "draft"), appErrors.KindTransition},
		{"credential", appErrors.NewCredential("ads", errors.New("bad tag")), appErrors.KindCredential},
		{"plain", errors.New("boom"), appErrors.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, appErrors.Kind(tc.err))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, appErrors.IsPermanent(appErrors.NewCredential("ads", errors.New("revoked"))))
	assert.False(t, appErrors.IsPermanent(errors.New("timeout")))
}

func TestCredentialErrorUnwraps(t *testing.T) {
	cause := errors.New("message authentication failed")
	err := appErrors.NewCredential("messaging", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "messaging")
}
