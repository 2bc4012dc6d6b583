package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func createTestSecret(namespace, name string, data map[string]string) *corev1.Secret {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Data:       map[string][]byte{},
	}
	for k, v := range data {
		secret.Data[k] = []byte(v)
	}
	return secret
}

func TestRefResolver_Env(t *testing.T) {
	t.Setenv("RUNPOD_TEST_API_KEY", "  rp_abc123\n")
	r := NewRefResolver(WithLogger(zaptest.NewLogger(t)))

	value, err := r.Resolve(context.Background(), "env:RUNPOD_TEST_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "rp_abc123", value)

	_, err = r.Resolve(context.Background(), "env:RUNPOD_TEST_UNSET_VARIABLE")
	require.Error(t, err)
	assert.True(t, IsCredentialError(err))
	assert.Contains(t, err.Error(), "not set")
}

func TestRefResolver_File(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519.pub")
	require.NoError(t, os.WriteFile(keyPath, []byte("ssh-ed25519 AAAAC3Nz user@host\n"), 0o600))

	emptyPath := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(emptyPath, []byte("\n\n"), 0o600))

	r := NewRefResolver()

	value, err := r.Resolve(context.Background(), "file:"+keyPath)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519 AAAAC3Nz user@host", value)

	_, err = r.Resolve(context.Background(), "file:"+emptyPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	_, err = r.Resolve(context.Background(), "file:"+filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRefResolver_Secret(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		createTestSecret("kube-system", "runpod", map[string]string{"apiKey": "rp_from_secret"}),
		createTestSecret("gpu", "runpod-ssh", map[string]string{"publicKey": "ssh-rsa AAAA"}),
	)
	r := NewRefResolver(WithClientset(clientset))

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{name: "default namespace", ref: "secret:runpod#apiKey", want: "rp_from_secret"},
		{name: "explicit namespace", ref: "secret:gpu/runpod-ssh#publicKey", want: "ssh-rsa AAAA"},
		{name: "missing key", ref: "secret:runpod#token", wantErr: "has no key"},
		{name: "missing secret", ref: "secret:gpu/nope#apiKey", wantErr: "failed to get secret"},
		{name: "missing key separator", ref: "secret:runpod", wantErr: "name#key"},
		{name: "empty name", ref: "secret:gpu/#apiKey", wantErr: "must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := r.Resolve(context.Background(), tt.ref)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, value)
		})
	}
}

func TestRefResolver_SecretUnavailable(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantUnavailable bool
	}{
		{name: "service unavailable", err: apierrors.NewServiceUnavailable("etcd down"), wantUnavailable: true},
		{name: "server timeout", err: apierrors.NewServerTimeout(schema.GroupResource{Resource: "secrets"}, "get", 1), wantUnavailable: true},
		{name: "connection refused", err: errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), wantUnavailable: true},
		{name: "forbidden", err: apierrors.NewForbidden(schema.GroupResource{Resource: "secrets"}, "runpod", errors.New("rbac")), wantUnavailable: false},
		{name: "not found", err: apierrors.NewNotFound(schema.GroupResource{Resource: "secrets"}, "runpod"), wantUnavailable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientset := fake.NewSimpleClientset()
			clientset.PrependReactor("get", "secrets", func(action k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, tt.err
			})
			r := NewRefResolver(WithClientset(clientset))

			_, err := r.Resolve(context.Background(), "secret:runpod#apiKey")
			require.Error(t, err)
			assert.True(t, IsCredentialError(err))
			assert.Equal(t, tt.wantUnavailable, IsUnavailable(err))
		})
	}

	assert.False(t, IsUnavailable(errors.New("plain")))
}

func TestRefResolver_SecretCustomDefaultNamespace(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		createTestSecret("runpod-system", "creds", map[string]string{"apiKey": "k"}),
	)
	r := NewRefResolver(WithClientset(clientset), WithDefaultNamespace("runpod-system"))

	value, err := r.Resolve(context.Background(), "secret:creds#apiKey")
	require.NoError(t, err)
	assert.Equal(t, "k", value)
}

func TestRefResolver_SecretWithoutClientset(t *testing.T) {
	_, err := NewRefResolver().Resolve(context.Background(), "secret:runpod#apiKey")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoClientset)
}

func TestRefResolver_InvalidRefs(t *testing.T) {
	r := NewRefResolver()

	for _, ref := range []string{"", "rp_plaintext_key", "env:", "vault:secret/runpod"} {
		t.Run(ref, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), ref)
			require.Error(t, err)
			assert.True(t, IsCredentialError(err))
			assert.NotContains(t, err.Error(), "rp_plaintext_key")
		})
	}
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "env", Scheme("env:X"))
	assert.Equal(t, "secret", Scheme("secret:ns/n#k"))
	assert.Equal(t, "", Scheme("plain"))
}

func TestStatic(t *testing.T) {
	s := Static{"env:KEY": " v "}

	value, err := s.Resolve(context.Background(), "env:KEY")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	_, err = s.Resolve(context.Background(), "env:OTHER")
	assert.True(t, IsCredentialError(err))
}
