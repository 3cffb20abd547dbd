package management

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/files"
	"github.com/alwitt/mqadmin/schema"
	"github.com/alwitt/mqadmin/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func selfSigned(t *testing.T, public, signer interface{}, notAfter time.Time) []byte {
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "mqadmin-ut"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, public, signer)
	assert.Nil(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func generateECPair(t *testing.T, notAfter time.Time) ([]byte, []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.Nil(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	assert.Nil(t, err)
	return selfSigned(t, &key.PublicKey, key, notAfter),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

func generateEncryptedRSAPair(t *testing.T, password string) ([]byte, []byte) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(t, err)
	//nolint:staticcheck
	block, err := x509.EncryptPEMBlock(
		rand.Reader, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), []byte(password),
		x509.PEMCipherAES256,
	)
	assert.Nil(t, err)
	return selfSigned(t, &key.PublicKey, key, time.Now().Add(time.Hour*24)), pem.EncodeToMemory(block)
}

func TestCertificateProfiles(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	env := defineEngineTestEnv(t, utCtxt, &wg)

	notAfter := time.Date(2035, 6, 1, 12, 0, 0, 0, time.UTC)
	certPEM, keyPEM := generateECPair(t, notAfter)
	_, otherKeyPEM := generateECPair(t, notAfter)
	rsaCertPEM, rsaKeyPEM := generateEncryptedRSAPair(t, "secret")

	stage := func(name string, content []byte) {
		assert.Nil(env.uut.Upload(utCtxt, name, content))
	}
	inKeystore := func(name string) bool {
		exists, err := env.stores.Keystore.Exists(utCtxt, name)
		assert.Nil(err)
		return exists
	}
	inStaging := func(name string) bool {
		exists, err := env.stores.Staging.Exists(utCtxt, name)
		assert.Nil(err)
		return exists
	}
	profileBody := func(name, cert, key, extra string) string {
		return fmt.Sprintf(
			`{"CertificateProfile":{"%s":{"Certificate":"%s","Key":"%s"%s}}}`, name, cert, key, extra,
		)
	}

	// Case 0: files not uploaded
	{
		err := env.apply(utCtxt, profileBody("P1", "p1.pem", "p1.key", ""))
		assert.True(common.IsErrorKind(err, common.ErrKindInvalidPropertyValue))
		assert.Equal("Certificate", common.AsAdminError(err).Property)
	}

	// Case 1: read only property
	{
		err := env.apply(utCtxt, profileBody("P1", "p1.pem", "p1.key", `,"ExpirationDate":"x"`))
		assert.True(common.IsErrorKind(err, common.ErrKindPropertyNotSettable))
	}

	// Case 2: create
	{
		stage("p1.pem", certPEM)
		stage("p1.key", keyPEM)
		assert.Nil(env.apply(utCtxt, profileBody("P1", "p1.pem", "p1.key", "")))
		profile, err := env.uut.Get(schema.TypeCertificateProfile, "P1")
		assert.Nil(err)
		assert.Equal("2035-06-01T12:00:00Z", profile.Properties["ExpirationDate"])
		assert.True(inKeystore("p1.pem"))
		assert.True(inKeystore("p1.key"))
		assert.False(inStaging("p1.pem"))
		assert.False(inStaging("p1.key"))
	}

	// Case 3: key of another certificate
	{
		stage("p2.pem", certPEM)
		stage("p2.key", otherKeyPEM)
		err := env.apply(utCtxt, profileBody("P2", "p2.pem", "p2.key", ""))
		assert.True(common.IsErrorKind(err, common.ErrKindKeyMismatch))
		assert.Equal("CWLNA6188", common.AsAdminError(err).Code())
		assert.False(inKeystore("p2.pem"))
		assert.True(inStaging("p2.pem"))
	}

	// Case 4: files held by another profile
	{
		err := env.apply(utCtxt, profileBody("P2", "p1.pem", "p1.key", ""))
		assert.True(common.IsErrorKind(err, common.ErrKindResourceInUse))
		assert.Nil(env.apply(utCtxt, profileBody("P2", "p1.pem", "p1.key", `,"Overwrite":true`)))
	}

	// Case 5: encrypted key
	{
		stage("rsa.pem", rsaCertPEM)
		stage("rsa.key", rsaKeyPEM)
		err := env.apply(utCtxt, profileBody("P3", "rsa.pem", "rsa.key", ""))
		assert.True(common.IsErrorKind(err, common.ErrKindPasswordRequired))
		err = env.apply(utCtxt, profileBody("P3", "rsa.pem", "rsa.key", `,"KeyFilePassword":"wrong"`))
		assert.True(common.IsErrorKind(err, common.ErrKindCertificateVerificationFailed))
		assert.Nil(env.apply(utCtxt, profileBody("P3", "rsa.pem", "rsa.key", `,"KeyFilePassword":"secret"`)))
		profile, err := env.uut.Get(schema.TypeCertificateProfile, "P3")
		assert.Nil(err)
		_, stored := profile.Properties["KeyFilePassword"]
		assert.False(stored)
	}

	// Case 6: not a certificate
	{
		stage("junk.pem", []byte("not a certificate"))
		err := env.apply(utCtxt, profileBody("P4", "junk.pem", "p2.key", ""))
		assert.True(common.IsErrorKind(err, common.ErrKindCertificateVerificationFailed))
	}

	// Case 7: profile in use by a security profile
	{
		assert.Nil(env.apply(utCtxt, `{"SecurityProfile":{"SP1":{"CertificateProfile":"P3"}}}`))
		err := env.uut.Delete(utCtxt, schema.TypeCertificateProfile, "P3", false)
		assert.True(common.IsErrorKind(err, common.ErrKindResourceInUse))
		assert.Nil(env.uut.Delete(utCtxt, schema.TypeSecurityProfile, "SP1", false))
		assert.Nil(env.uut.Delete(utCtxt, schema.TypeCertificateProfile, "P3", false))
		assert.False(inKeystore("rsa.pem"))
		assert.False(inKeystore("rsa.key"))
	}

	// Case 8: shared files stay while any profile holds them
	{
		assert.Nil(env.uut.Delete(utCtxt, schema.TypeCertificateProfile, "P1", false))
		assert.True(inKeystore("p1.pem"))
		assert.Nil(env.uut.Delete(utCtxt, schema.TypeCertificateProfile, "P2", false))
		assert.False(inKeystore("p1.pem"))
	}

	// Case 9: bad upload names
	{
		for _, name := range []string{"", "..", "a/b"} {
			assert.NotNil(env.uut.Upload(utCtxt, name, certPEM), name)
		}
	}
}

func TestCertificateClaimsSerialize(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	env := defineEngineTestEnv(t, utCtxt, &wg)
	certPEM, keyPEM := generateECPair(t, time.Now().Add(time.Hour*24))

	// Two profiles racing for the same files: exactly one wins
	for idx := 0; idx < 50; idx++ {
		certFile := fmt.Sprintf("c%d.pem", idx)
		keyFile := fmt.Sprintf("c%d.key", idx)
		assert.Nil(env.uut.Upload(utCtxt, certFile, certPEM))
		assert.Nil(env.uut.Upload(utCtxt, keyFile, keyPEM))

		gate := make(chan struct{})
		results := make([]error, 2)
		claimWG := sync.WaitGroup{}
		for claimant, profile := range []string{fmt.Sprintf("A%d", idx), fmt.Sprintf("B%d", idx)} {
			claimWG.Add(1)
			go func(claimant int, profile string) {
				defer claimWG.Done()
				<-gate
				results[claimant] = env.apply(utCtxt, fmt.Sprintf(
					`{"CertificateProfile":{"%s":{"Certificate":"%s","Key":"%s"}}}`,
					profile, certFile, keyFile,
				))
			}(claimant, profile)
		}
		close(gate)
		claimWG.Wait()

		accepted := 0
		for _, err := range results {
			if err == nil {
				accepted++
			} else {
				assert.True(common.IsErrorKind(err, common.ErrKindResourceInUse), err.Error())
			}
		}
		assert.Equalf(1, accepted, "Iteration %d", idx)
	}
	assert.Equal(0, env.uut.(*engineImpl).heldKeyLocks())
}

func TestCertificateInstallRollback(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	kv, err := storage.GetBadgerStore(utCtxt, common.BadgerConfig{InMemory: true}, &wg)
	assert.Nil(err)
	defer func() {
		_ = kv.Close()
	}()
	store := &failingCommitStore{KeyValueStore: kv}
	env := defineEngineTestEnvOnStore(t, utCtxt, &wg, store)

	notAfter := time.Now().Add(time.Hour * 24)
	certPEM, keyPEM := generateECPair(t, notAfter)
	newCertPEM, newKeyPEM := generateECPair(t, notAfter)
	installed := func(name string) []byte {
		content, err := files.ReadFile(utCtxt, env.stores.Keystore, name)
		if err != nil {
			return nil
		}
		return content
	}

	assert.Nil(env.uut.Upload(utCtxt, "p1.pem", certPEM))
	assert.Nil(env.uut.Upload(utCtxt, "p1.key", keyPEM))
	assert.Nil(env.apply(utCtxt, `{"CertificateProfile":{"P1":{"Certificate":"p1.pem","Key":"p1.key"}}}`))

	body := `{"CertificateProfile":{"P2":{"Certificate":"p1.pem","Key":"p2.key","Overwrite":true}}}`
	assert.Nil(env.uut.Upload(utCtxt, "p1.pem", newCertPEM))
	assert.Nil(env.uut.Upload(utCtxt, "p2.key", newKeyPEM))

	// Case 0: commit failure leaves the keystore untouched
	{
		store.fail.Store(true)
		err := env.apply(utCtxt, body)
		store.fail.Store(false)
		assert.True(common.IsErrorKind(err, common.ErrKindInternal))
		assert.Equal(certPEM, installed("p1.pem"))
		assert.Nil(installed("p2.key"))
		_, err = env.uut.Get(schema.TypeCertificateProfile, "P2")
		assert.True(common.IsErrorKind(err, common.ErrKindNotFound))
		exists, err := env.stores.Staging.Exists(utCtxt, "p1.pem")
		assert.Nil(err)
		assert.True(exists)
	}

	// Case 1: retry
	{
		assert.Nil(env.apply(utCtxt, body))
		assert.Equal(newCertPEM, installed("p1.pem"))
		assert.Equal(newKeyPEM, installed("p2.key"))
	}
}
