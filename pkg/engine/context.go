package engine

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ProtoVersion identifies a TLS protocol version. The zero value leaves the
// bound unset so the stack's own default applies.
type ProtoVersion uint16

const (
	VersionAuto  ProtoVersion = 0
	VersionTLS10 ProtoVersion = tls.VersionTLS10
	VersionTLS11 ProtoVersion = tls.VersionTLS11
	VersionTLS12 ProtoVersion = tls.VersionTLS12
	VersionTLS13 ProtoVersion = tls.VersionTLS13
)

// String returns the human-readable version name.
func (v ProtoVersion) String() string {
	switch v {
	case VersionAuto:
		return "auto"
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(v))
	}
}

func (v ProtoVersion) valid() bool {
	switch v {
	case VersionAuto, VersionTLS10, VersionTLS11, VersionTLS12, VersionTLS13:
		return true
	}
	return false
}

// VerifyMode is the peer-verification bitmask applied when sessions are
// materialized. Bits compose with bitwise OR.
type VerifyMode int

const (
	VerifyNone             VerifyMode = 0x00
	VerifyPeer             VerifyMode = 0x01
	VerifyFailIfNoPeerCert VerifyMode = 0x02
	VerifyClientOnce       VerifyMode = 0x04
)

// Options are context option bits. Unlike modes they only ever accumulate.
type Options uint32

const (
	OptNoCompression Options = 1 << iota
	OptNoTicket
	OptNoRenegotiation
	OptCipherServerPreference
)

// Mode bits adjust stack behaviour rather than protocol features.
type Mode uint32

const (
	ModeAutoRetry Mode = 1 << iota
	ModeReleaseBuffers
)

// SessionCacheMode selects which sides of a connection feed the session
// lifecycle callbacks, and whether the engine keeps any cache of its own.
type SessionCacheMode uint32

const (
	SessionCacheOff         SessionCacheMode = 0x0
	SessionCacheClient      SessionCacheMode = 0x1
	SessionCacheServer      SessionCacheMode = 0x2
	SessionCacheBoth        SessionCacheMode = SessionCacheClient | SessionCacheServer
	SessionCacheNoInternal  SessionCacheMode = 0x4
	SessionCacheNoAutoClear SessionCacheMode = 0x8
)

// MaxPasswordLen bounds the password buffer handed to a password callback
// when an encrypted private key is decrypted.
const MaxPasswordLen = 1024

// MaxSessionContextLen is the longest session cache context retained; longer
// inputs are truncated by SetSessionCacheContext.
const MaxSessionContextLen = 32

var exDataCounter atomic.Int64

// NewExDataIndex allocates a fresh process-unique ex-data slot index. Indices
// are never reused.
func NewExDataIndex() int {
	return int(exDataCounter.Add(1) - 1)
}

// Context is the reference-counted TLS context handle. A Context is created
// with one reference; UpRef adds sharers and Free drops one reference,
// releasing the handle when the count reaches zero. Configuration is expected
// to happen before the context is shared with connection-handling goroutines;
// the internal lock exists so late reads from handshake callbacks stay
// well-defined, not to make concurrent reconfiguration meaningful.
type Context struct {
	id   uuid.UUID
	refs atomic.Int32

	mu sync.RWMutex

	minVersion ProtoVersion
	maxVersion ProtoVersion

	cipherSuites []uint16
	tls13Suites  []uint16
	curves       []tls.CurveID
	sigSchemes   []tls.SignatureScheme

	options          Options
	modes            Mode
	verifyMode       VerifyMode
	sessionCacheMode SessionCacheMode
	sessionContext   []byte
	verifyTime       func() time.Time

	chainDER   [][]byte
	leaf       *x509.Certificate
	key        crypto.PrivateKey
	trustStore *x509.CertPool
	clientCAs  *x509.CertPool

	alpnWire []byte

	serverNameCb    ServerNameFunc
	alpnSelectCb    ALPNSelectFunc
	newSessionCb    NewSessionFunc
	removeSessionCb RemoveSessionFunc
	wrapTicket      WrapTicketFunc
	unwrapTicket    UnwrapTicketFunc
	passwordCb      PasswordFunc

	exData map[int]any

	errq errorQueue
}

// NewContext allocates a context handle holding one reference.
func NewContext() *Context {
	c := &Context{
		id:     uuid.New(),
		exData: make(map[int]any),
	}
	c.refs.Store(1)
	return c
}

// ID returns the handle's stable identifier, used for log correlation.
func (c *Context) ID() uuid.UUID { return c.id }

// UpRef adds a shared reference. It fails once the handle has been released.
func (c *Context) UpRef() error {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return errors.New("failed to increment context refcount: handle released")
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Free drops one reference. The final drop clears the ex-data table so stale
// associations cannot be recovered from a dead handle.
func (c *Context) Free() {
	if c.refs.Add(-1) != 0 {
		return
	}
	c.mu.Lock()
	c.exData = nil
	c.mu.Unlock()
}

// Released reports whether every reference has been dropped.
func (c *Context) Released() bool { return c.refs.Load() <= 0 }

// RefCount returns the current shared-reference count.
func (c *Context) RefCount() int { return int(c.refs.Load()) }

// SetExData stores v in the given ex-data slot. Storing on a released handle
// is a no-op.
func (c *Context) SetExData(index int, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exData == nil {
		return
	}
	if v == nil {
		delete(c.exData, index)
		return
	}
	c.exData[index] = v
}

// ExData returns the value stored in the given slot, or nil.
func (c *Context) ExData(index int) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exData[index]
}

// SetMinProtoVersion sets the protocol floor.
func (c *Context) SetMinProtoVersion(v ProtoVersion) error {
	if !v.valid() {
		c.errq.push(fmt.Sprintf("set min proto version: unsupported version 0x%04x", uint16(v)))
		return fmt.Errorf("unsupported protocol version 0x%04x", uint16(v))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minVersion = v
	return nil
}

// SetMaxProtoVersion sets the protocol ceiling. VersionAuto restores the
// stack default ceiling.
func (c *Context) SetMaxProtoVersion(v ProtoVersion) error {
	if !v.valid() {
		c.errq.push(fmt.Sprintf("set max proto version: unsupported version 0x%04x", uint16(v)))
		return fmt.Errorf("unsupported protocol version 0x%04x", uint16(v))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxVersion = v
	return nil
}

// MinProtoVersion returns the configured floor.
func (c *Context) MinProtoVersion() ProtoVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minVersion
}

// MaxProtoVersion returns the configured ceiling.
func (c *Context) MaxProtoVersion() ProtoVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxVersion
}

// SetOptions ORs opts into the option set and returns the resulting mask.
func (c *Context) SetOptions(opts Options) Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options |= opts
	return c.options
}

// GetOptions returns the current option mask.
func (c *Context) GetOptions() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.options
}

// SetMode ORs mode bits in and returns the resulting mask.
func (c *Context) SetMode(m Mode) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes |= m
	return c.modes
}

// SetVerify replaces the peer-verification mode.
func (c *Context) SetVerify(m VerifyMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyMode = m
}

// GetVerify returns the active peer-verification mode.
func (c *Context) GetVerify() VerifyMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verifyMode
}

// SetSessionCacheMode replaces the session cache mode and returns the
// previous one.
func (c *Context) SetSessionCacheMode(m SessionCacheMode) SessionCacheMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sessionCacheMode
	c.sessionCacheMode = m
	return prev
}

// SessionCacheModeValue returns the active session cache mode.
func (c *Context) SessionCacheModeValue() SessionCacheMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionCacheMode
}

// SetSessionCacheContext scopes resumption state keys to the given identity,
// truncating to MaxSessionContextLen bytes.
func (c *Context) SetSessionCacheContext(id string) {
	if len(id) > MaxSessionContextLen {
		id = id[:MaxSessionContextLen]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionContext = []byte(id)
}

// SessionCacheContext returns the configured cache context identity.
func (c *Context) SessionCacheContext() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return string(c.sessionContext)
}

// SetVerifyTime overrides the clock used for certificate validity checks.
// A nil function restores the real clock.
func (c *Context) SetVerifyTime(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyTime = now
}

// scopedSessionKey prefixes key with the session cache context so stores
// shared across contexts stay partitioned.
func (c *Context) scopedSessionKey(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessionContext) == 0 {
		return key
	}
	return string(c.sessionContext) + "/" + key
}

// UseCertificateChainDER installs a certificate chain, leaf first, replacing
// any previous chain. The leaf must parse.
func (c *Context) UseCertificateChainDER(chain [][]byte) error {
	if len(chain) == 0 {
		c.errq.push("use certificate chain: empty chain")
		return errors.New("empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		c.errq.push("use certificate chain: " + err.Error())
		return fmt.Errorf("parse leaf certificate: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainDER = chain
	c.leaf = leaf
	return nil
}

// Leaf returns the active leaf certificate, nil when no chain is loaded.
func (c *Context) Leaf() *x509.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaf
}

// ChainLen returns the number of certificates in the active chain.
func (c *Context) ChainLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chainDER)
}

// UsePrivateKey installs key as the context's private key.
func (c *Context) UsePrivateKey(key crypto.PrivateKey) error {
	if key == nil {
		c.errq.push("use private key: nil key")
		return errors.New("nil private key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	return nil
}

// UsePrivateKeyPEM parses and installs the first private key block in data.
// Legacy RFC 1423 encrypted blocks are decrypted with the registered password
// callback.
func (c *Context) UsePrivateKeyPEM(data []byte) error {
	block, _ := pem.Decode(data)
	if block == nil {
		c.errq.push("use private key: no PEM block found")
		return errors.New("no PEM block found")
	}
	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // Legacy encrypted PEM support is part of the surface.
		pw := c.collectPassword()
		if len(pw) == 0 {
			c.errq.push("use private key: encrypted key and no password available")
			return errors.New("encrypted private key: no password available")
		}
		var err error
		der, err = x509.DecryptPEMBlock(block, pw) //nolint:staticcheck // See above.
		if err != nil {
			c.errq.push("use private key: decrypt: " + err.Error())
			return fmt.Errorf("decrypt private key: %w", err)
		}
	}
	key, err := parsePrivateKey(block.Type, der)
	if err != nil {
		c.errq.push("use private key: " + err.Error())
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	return nil
}

func (c *Context) collectPassword() []byte {
	c.mu.RLock()
	cb := c.passwordCb
	c.mu.RUnlock()
	if cb == nil {
		return nil
	}
	return cb(c, MaxPasswordLen)
}

func parsePrivateKey(blockType string, der []byte) (crypto.PrivateKey, error) {
	switch blockType {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(der)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(der)
	case "ENCRYPTED PRIVATE KEY":
		return nil, errors.New("PKCS#8 encrypted private keys are not supported")
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unrecognized private key encoding")
}

// HasPrivateKey reports whether a private key is installed.
func (c *Context) HasPrivateKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key != nil
}

// CheckPrivateKey verifies the installed private key matches the installed
// leaf certificate.
func (c *Context) CheckPrivateKey() error {
	c.mu.RLock()
	leaf, key := c.leaf, c.key
	c.mu.RUnlock()
	if leaf == nil || key == nil {
		c.errq.push("check private key: certificate or key not loaded")
		return errors.New("certificate or key not loaded")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		c.errq.push("check private key: key does not expose a public key")
		return errors.New("private key does not expose a public key")
	}
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := leaf.PublicKey.(equaler)
	if !ok || !pub.Equal(signer.Public()) {
		c.errq.push("check private key: key values mismatch")
		return errors.New("private key does not match certificate")
	}
	return nil
}

// SetTrustStore replaces the trust store wholesale.
func (c *Context) SetTrustStore(pool *x509.CertPool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trustStore = pool
}

// TrustStore returns the active trust store, nil when unset.
func (c *Context) TrustStore() *x509.CertPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trustStore
}

// SetClientCAs replaces the pool advertised and used for client certificate
// verification on server sessions.
func (c *Context) SetClientCAs(pool *x509.CertPool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientCAs = pool
}

// ClientCAs returns the active client CA pool, nil when unset.
func (c *Context) ClientCAs() *x509.CertPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientCAs
}

// SetCipherList resolves TLS 1.2-and-below suite names into the preference
// list. Unrecognized names are skipped; resolving none of them is an error.
func (c *Context) SetCipherList(names []string) error {
	var ids []uint16
	for _, name := range names {
		if id, ok := cipherSuiteIDs[strings.TrimSpace(name)]; ok {
			ids = append(ids, id)
		}
	}
	if len(names) > 0 && len(ids) == 0 {
		c.errq.push("set cipher list: no cipher suites matched")
		return errors.New("no cipher suites matched")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cipherSuites = ids
	return nil
}

// SetCipherSuites validates TLS 1.3 suite names. The stack negotiates 1.3
// suites itself, so the resolved list is recorded for introspection only.
func (c *Context) SetCipherSuites(names []string) error {
	var ids []uint16
	for _, name := range names {
		id, ok := tls13SuiteIDs[strings.TrimSpace(name)]
		if !ok {
			c.errq.push("set ciphersuites: unknown suite " + name)
			return fmt.Errorf("unknown TLS 1.3 cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tls13Suites = ids
	return nil
}

// SetCurves resolves named elliptic curve groups into the key-exchange
// preference list.
func (c *Context) SetCurves(names []string) error {
	var ids []tls.CurveID
	for _, name := range names {
		id, ok := curveIDs[strings.TrimSpace(name)]
		if !ok {
			c.errq.push("set curves list: unknown curve " + name)
			return fmt.Errorf("unknown curve %q", name)
		}
		ids = append(ids, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curves = ids
	return nil
}

// SetSignatureSchemes restricts the signature algorithms offered with the
// context's certificate.
func (c *Context) SetSignatureSchemes(schemes []tls.SignatureScheme) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigSchemes = schemes
}

// SetALPNWire publishes the primary application-protocol offer in length
// prefixed wire form. An empty buffer clears the offer.
func (c *Context) SetALPNWire(wire []byte) error {
	if len(wire) > 0 {
		if _, err := SplitALPNWire(wire); err != nil {
			c.errq.push("set alpn protos: " + err.Error())
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(wire) == 0 {
		c.alpnWire = nil
		return nil
	}
	c.alpnWire = append([]byte(nil), wire...)
	return nil
}

// ALPNWire returns the published primary offer, nil when cleared.
func (c *Context) ALPNWire() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alpnWire
}

// SplitALPNWire decodes a length-prefixed protocol-name buffer. Zero-length
// records and truncated buffers are rejected.
func SplitALPNWire(wire []byte) ([]string, error) {
	var names []string
	for i := 0; i < len(wire); {
		n := int(wire[i])
		if n == 0 {
			return nil, errors.New("zero-length protocol name")
		}
		if i+1+n > len(wire) {
			return nil, errors.New("truncated protocol record")
		}
		names = append(names, string(wire[i+1:i+1+n]))
		i += 1 + n
	}
	return names, nil
}

// Errors drains the error queue into one "; "-joined string, clearing it.
func (c *Context) Errors() string { return c.errq.drain() }

// ClearErrors empties the error queue.
func (c *Context) ClearErrors() { c.errq.clear() }

func (c *Context) pushError(msg string) { c.errq.push(msg) }

type errorQueue struct {
	mu      sync.Mutex
	entries []string
}

func (q *errorQueue) push(msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, msg)
}

func (q *errorQueue) drain() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := strings.Join(q.entries, "; ")
	q.entries = nil
	return out
}

func (q *errorQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}
