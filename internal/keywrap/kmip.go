package keywrap

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"

	"github.com/kenchrcum/bararchive/internal/barerr"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, by the
// version a reader should present when asking the server to unwrap.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration

	// Provider is recorded on every envelope this manager produces.
	Provider string

	// DualReadWindow is how many of the most recent key versions
	// UnwrapKey will still try when an envelope omits KeyID (older
	// archives, or a writer that chose not to record it).
	DualReadWindow int
}

// CosmianKMIPManager wraps/unwraps session keys through a KMIP 1.4 server
// (Cosmian KMS and compatible servers), never materializing the wrapping
// key itself inside this process.
type CosmianKMIPManager struct {
	client   *kmipclient.Client
	keys     []KMIPKeyReference
	provider string
	window   int
	timeout  time.Duration

	mu sync.RWMutex
}

// NewCosmianKMIPManager dials the configured KMIP endpoint and returns a
// ready-to-use KeyManager.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if opts.Endpoint == "" {
		return nil, barerr.New(barerr.KindKeyUnavailable, "kmip endpoint is required")
	}
	if len(opts.Keys) == 0 {
		return nil, barerr.New(barerr.KindKeyUnavailable, "at least one wrapping key reference is required")
	}
	if opts.Provider == "" {
		opts.Provider = "cosmian-kmip"
	}
	if opts.DualReadWindow <= 0 {
		opts.DualReadWindow = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client, err := kmipclient.New(opts.Endpoint,
		kmipclient.WithTLSConfig(opts.TLSConfig),
		kmipclient.WithTimeout(opts.Timeout),
	)
	if err != nil {
		return nil, barerr.Wrap(barerr.KindKeyUnavailable, err, "dial kmip server %s", opts.Endpoint)
	}

	return &CosmianKMIPManager{
		client:   client,
		keys:     append([]KMIPKeyReference(nil), opts.Keys...),
		provider: opts.Provider,
		window:   opts.DualReadWindow,
		timeout:  opts.Timeout,
	}, nil
}

// Provider implements KeyManager.
func (m *CosmianKMIPManager) Provider() string { return m.provider }

func (m *CosmianKMIPManager) activeKey() KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[len(m.keys)-1]
}

func (m *CosmianKMIPManager) keyByID(id string) (KMIPKeyReference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.ID == id {
			return k, true
		}
	}
	return KMIPKeyReference{}, false
}

// WrapKey implements KeyManager by issuing a KMIP Encrypt operation
// against the currently active wrapping key.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	active := m.activeKey()

	resp, err := m.client.Encrypt(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: active.ID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, barerr.Wrap(barerr.KindKeyUnavailable, err, "kmip encrypt with key %s", active.ID)
	}

	return &KeyEnvelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey implements KeyManager. When envelope.KeyID is empty (older
// archives written before the field existed), it falls back to trying the
// most recent DualReadWindow key versions in turn.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	if envelope == nil {
		return nil, barerr.New(barerr.KindKeyUnavailable, "nil key envelope")
	}

	if envelope.KeyID != "" {
		if _, ok := m.keyByID(envelope.KeyID); !ok {
			return nil, barerr.New(barerr.KindKeyUnavailable, "unknown wrapping key id %q", envelope.KeyID)
		}
		return m.decryptWith(ctx, envelope.KeyID, envelope.Ciphertext)
	}

	m.mu.RLock()
	candidates := m.keys
	if len(candidates) > m.window {
		candidates = candidates[len(candidates)-m.window:]
	}
	m.mu.RUnlock()

	var lastErr error
	for i := len(candidates) - 1; i >= 0; i-- {
		plaintext, err := m.decryptWith(ctx, candidates[i].ID, envelope.Ciphertext)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, barerr.Wrap(barerr.KindKeyUnavailable, lastErr, "no wrapping key in dual-read window could decrypt envelope")
}

func (m *CosmianKMIPManager) decryptWith(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	resp, err := m.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             ciphertext,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ActiveKeyVersion implements KeyManager.
func (m *CosmianKMIPManager) ActiveKeyVersion(_ context.Context) (int, error) {
	return m.activeKey().Version, nil
}

// HealthCheck implements KeyManager with a lightweight Get against the
// active wrapping key.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	active := m.activeKey()
	_, err := m.client.Get(ctx, &payloads.GetRequestPayload{UniqueIdentifier: active.ID})
	if err != nil {
		return barerr.Wrap(barerr.KindKeyUnavailable, err, "kmip health check against key %s", active.ID)
	}
	return nil
}

// Close implements KeyManager.
func (m *CosmianKMIPManager) Close(_ context.Context) error {
	return m.client.Close()
}
