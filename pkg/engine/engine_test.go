package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyAndCert(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "engine-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{"engine-test.local"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return key, der
}

func TestContextRefCounting(t *testing.T) {
	ctx := NewContext()
	assert.Equal(t, 1, ctx.RefCount())

	require.NoError(t, ctx.UpRef())
	assert.Equal(t, 2, ctx.RefCount())

	ctx.Free()
	assert.False(t, ctx.Released())

	ctx.Free()
	assert.True(t, ctx.Released())

	err := ctx.UpRef()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refcount")
}

func TestContextExData(t *testing.T) {
	ctx := NewContext()
	idx := NewExDataIndex()
	other := NewExDataIndex()
	require.NotEqual(t, idx, other)

	assert.Nil(t, ctx.ExData(idx))
	ctx.SetExData(idx, "owner")
	assert.Equal(t, "owner", ctx.ExData(idx))

	ctx.SetExData(idx, nil)
	assert.Nil(t, ctx.ExData(idx))

	ctx.SetExData(idx, "owner")
	ctx.Free()
	assert.Nil(t, ctx.ExData(idx), "released handle must not expose associations")
}

func TestNewSessionAfterRelease(t *testing.T) {
	ctx := NewContext()
	ctx.Free()

	_, err := ctx.NewSession()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context released")
}

func TestProtoVersionBounds(t *testing.T) {
	ctx := NewContext()

	require.NoError(t, ctx.SetMinProtoVersion(VersionTLS12))
	require.NoError(t, ctx.SetMaxProtoVersion(VersionTLS13))
	assert.Equal(t, VersionTLS12, ctx.MinProtoVersion())
	assert.Equal(t, VersionTLS13, ctx.MaxProtoVersion())

	err := ctx.SetMinProtoVersion(ProtoVersion(0x0999))
	require.Error(t, err)
	assert.Contains(t, ctx.Errors(), "unsupported version")
	assert.Empty(t, ctx.Errors(), "drain clears the queue")
}

func TestOptionsAccumulate(t *testing.T) {
	ctx := NewContext()
	got := ctx.SetOptions(OptNoCompression)
	assert.Equal(t, OptNoCompression, got)

	got = ctx.SetOptions(OptNoTicket)
	assert.Equal(t, OptNoCompression|OptNoTicket, got)
	assert.Equal(t, OptNoCompression|OptNoTicket, ctx.GetOptions())
}

func TestSessionCacheContextTruncation(t *testing.T) {
	ctx := NewContext()
	long := "0123456789012345678901234567890123456789"
	ctx.SetSessionCacheContext(long)
	assert.Len(t, ctx.SessionCacheContext(), MaxSessionContextLen)
	assert.Equal(t, long[:MaxSessionContextLen], ctx.SessionCacheContext())

	assert.Equal(t, ctx.SessionCacheContext()+"/host:443", ctx.scopedSessionKey("host:443"))
}

func TestSplitALPNWire(t *testing.T) {
	names, err := SplitALPNWire([]byte("\x02h2\x08http/1.1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"h2", "http/1.1"}, names)

	_, err = SplitALPNWire([]byte("\x05h2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")

	_, err = SplitALPNWire([]byte{0x00})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero-length")
}

func TestSetALPNWireRejectsMalformed(t *testing.T) {
	ctx := NewContext()
	require.Error(t, ctx.SetALPNWire([]byte{0x09, 'x'}))
	assert.Nil(t, ctx.ALPNWire())
	assert.Contains(t, ctx.Errors(), "set alpn protos")

	require.NoError(t, ctx.SetALPNWire([]byte("\x02h2")))
	assert.Equal(t, []byte("\x02h2"), ctx.ALPNWire())

	require.NoError(t, ctx.SetALPNWire(nil))
	assert.Nil(t, ctx.ALPNWire())
}

func TestCheckPrivateKey(t *testing.T) {
	key, certDER := newTestKeyAndCert(t)
	otherKey, _ := newTestKeyAndCert(t)

	ctx := NewContext()
	require.NoError(t, ctx.UseCertificateChainDER([][]byte{certDER}))

	err := ctx.CheckPrivateKey()
	require.Error(t, err, "no key loaded yet")
	ctx.ClearErrors()

	require.NoError(t, ctx.UsePrivateKey(otherKey))
	err = ctx.CheckPrivateKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	require.NoError(t, ctx.UsePrivateKey(key))
	require.NoError(t, ctx.CheckPrivateKey())
}

func TestUsePrivateKeyPEMVariants(t *testing.T) {
	key, _ := newTestKeyAndCert(t)

	t.Run("pkcs8", func(t *testing.T) {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

		ctx := NewContext()
		require.NoError(t, ctx.UsePrivateKeyPEM(data))
		assert.True(t, ctx.HasPrivateKey())
	})

	t.Run("sec1", func(t *testing.T) {
		der, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

		ctx := NewContext()
		require.NoError(t, ctx.UsePrivateKeyPEM(data))
	})

	t.Run("garbage", func(t *testing.T) {
		ctx := NewContext()
		err := ctx.UsePrivateKeyPEM([]byte("not a key"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no PEM block")
	})

	t.Run("encrypted legacy pem", func(t *testing.T) {
		der, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		block, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", der, []byte("sekrit"), x509.PEMCipherAES128) //nolint:staticcheck // Exercising the legacy path on purpose.
		require.NoError(t, err)
		data := pem.EncodeToMemory(block)

		ctx := NewContext()
		err = ctx.UsePrivateKeyPEM(data)
		require.Error(t, err, "no password callback registered")
		assert.Contains(t, err.Error(), "no password available")
		ctx.ClearErrors()

		var askedLen int
		ctx.SetPasswordCallback(func(_ *Context, maxLen int) []byte {
			askedLen = maxLen
			return []byte("sekrit")
		})
		require.NoError(t, ctx.UsePrivateKeyPEM(data))
		assert.Equal(t, MaxPasswordLen, askedLen)
	})
}

func TestClientAuthMapping(t *testing.T) {
	assert.Equal(t, tls.NoClientCert, clientAuthFor(VerifyNone))
	assert.Equal(t, tls.VerifyClientCertIfGiven, clientAuthFor(VerifyPeer))
	assert.Equal(t, tls.RequireAndVerifyClientCert, clientAuthFor(VerifyPeer|VerifyFailIfNoPeerCert))
	assert.Equal(t, tls.RequireAndVerifyClientCert, clientAuthFor(VerifyPeer|VerifyFailIfNoPeerCert|VerifyClientOnce))
	assert.Equal(t, tls.NoClientCert, clientAuthFor(VerifyFailIfNoPeerCert), "fail-if-absent without peer bit requests nothing")
}

func TestSetCipherList(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.SetCipherList([]string{
		"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		"bogus-cipher",
	}))

	err := ctx.SetCipherList([]string{"bogus-one", "bogus-two"})
	require.Error(t, err)
	assert.Contains(t, ctx.Errors(), "no cipher suites matched")
}

func TestSetCurves(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.SetCurves([]string{"X25519", "P-256"}))

	err := ctx.SetCurves([]string{"P-127"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown curve")
}

func TestSetCipherSuitesTLS13(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.SetCipherSuites([]string{"TLS_AES_128_GCM_SHA256"}))

	err := ctx.SetCipherSuites([]string{"TLS_NOT_A_SUITE"})
	require.Error(t, err)
}

func TestErrorQueueJoinsEntries(t *testing.T) {
	ctx := NewContext()
	ctx.pushError("first failure")
	ctx.pushError("second failure")
	assert.Equal(t, "first failure; second failure", ctx.Errors())
	assert.Empty(t, ctx.Errors())
}

func TestResumptionStateRefCounting(t *testing.T) {
	st := NewResumptionState("example.com:443", nil)
	assert.Equal(t, 1, st.RefCount())

	st.Retain()
	assert.Equal(t, 2, st.RefCount())

	st.Release()
	st.Release()
	assert.Equal(t, 0, st.RefCount())
}

func TestVerifyTimeOverride(t *testing.T) {
	ctx := NewContext()
	fixed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx.SetVerifyTime(func() time.Time { return fixed })

	sess, err := ctx.NewSession()
	require.NoError(t, err)
	cfg := sess.ClientConfig()
	require.NotNil(t, cfg.Time)
	assert.Equal(t, fixed, cfg.Time())
}
