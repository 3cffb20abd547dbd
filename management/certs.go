package management

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/files"
	"github.com/alwitt/mqadmin/schema"
	"github.com/apex/log"
)

// CertificateProfile properties
const (
	propCertificate      = "Certificate"
	propKey              = "Key"
	propCertFilePassword = "CertFilePassword"
	propKeyFilePassword  = "KeyFilePassword"
	propOverwrite        = "Overwrite"
	propExpirationDate   = "ExpirationDate"
)

// PreparedProfile a verified certificate profile whose files are ready to be installed
type PreparedProfile struct {
	// Name profile name
	Name string
	// ExpirationDate certificate expiration, RFC3339 UTC
	ExpirationDate string
	// staged content of the files read from the staging area
	staged map[string][]byte
	// replaced keystore content overwritten by Install, nil for files Install created
	replaced map[string][]byte
}

// Keystore verifies certificate and key files, and moves them from the staging area
// into the keystore once a profile claims them
type Keystore struct {
	common.Component
	stores files.Stores
}

// GetKeystore define a new keystore on top of the file areas
func GetKeystore(stores files.Stores) *Keystore {
	return &Keystore{
		Component: common.Component{
			LogTags: log.Fields{"module": "management", "component": "keystore"},
		},
		stores: stores,
	}
}

// loadFile read a file, preferring a freshly staged copy over the installed one
func (k *Keystore) loadFile(
	ctxt context.Context, profile, property, fileName string,
) ([]byte, bool, error) {
	if err := files.ValidateFileName(fileName); err != nil {
		return nil, false, common.NewInvalidPropertyValueError(
			schema.TypeCertificateProfile, profile, property, fileName,
		)
	}
	for idx, store := range []files.FileStore{k.stores.Staging, k.stores.Keystore} {
		content, err := files.ReadFile(ctxt, store, fileName)
		if err == nil {
			return content, idx == 0, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithFields(k.LogTags).Errorf("Unable to read %s", fileName)
			return nil, false, common.NewInternalError(err)
		}
	}
	return nil, false, common.NewInvalidPropertyValueError(
		schema.TypeCertificateProfile, profile, property, fileName,
	)
}

// Prepare verify the certificate and key named by a profile. owners maps each
// installed file to the profile holding it.
func (k *Keystore) Prepare(
	ctxt context.Context,
	profile string,
	props map[string]interface{},
	transient map[string]interface{},
	owners map[string]string,
) (*PreparedProfile, error) {
	certFile, _ := props[propCertificate].(string)
	keyFile, _ := props[propKey].(string)
	overwrite, _ := transient[propOverwrite].(bool)
	certPassword, _ := transient[propCertFilePassword].(string)
	keyPassword, hasKeyPassword := transient[propKeyFilePassword].(string)

	result := &PreparedProfile{Name: profile, staged: map[string][]byte{}}
	contents := map[string][]byte{}
	for _, entry := range []struct{ property, file string }{
		{propCertificate, certFile}, {propKey, keyFile},
	} {
		if owner, ok := owners[entry.file]; ok && owner != profile && !overwrite {
			return nil, common.NewResourceInUseError(schema.TypeCertificateProfile, owner)
		}
		content, staged, err := k.loadFile(ctxt, profile, entry.property, entry.file)
		if err != nil {
			return nil, err
		}
		contents[entry.file] = content
		if staged {
			result.staged[entry.file] = content
		}
	}

	cert, err := parseCertificate(contents[certFile], certPassword)
	if err != nil {
		log.WithError(err).WithFields(k.LogTags).Infof("Certificate %s of %s rejected", certFile, profile)
		return nil, common.NewCertificateError(
			common.ErrKindCertificateVerificationFailed, schema.TypeCertificateProfile, profile, err.Error(),
		)
	}
	key, err := parsePrivateKey(contents[keyFile], keyPassword, hasKeyPassword && keyPassword != "")
	if err != nil {
		kind := common.ErrKindCertificateVerificationFailed
		if errors.Is(err, errPasswordRequired) {
			kind = common.ErrKindPasswordRequired
		}
		log.WithError(err).WithFields(k.LogTags).Infof("Key %s of %s rejected", keyFile, profile)
		return nil, common.NewCertificateError(kind, schema.TypeCertificateProfile, profile, err.Error())
	}
	if !publicKeysMatch(cert.PublicKey, key.Public()) {
		return nil, common.NewCertificateError(
			common.ErrKindKeyMismatch, schema.TypeCertificateProfile, profile, "",
		)
	}
	result.ExpirationDate = cert.NotAfter.UTC().Format(time.RFC3339)
	return result, nil
}

// Install write the staged files of a prepared profile into the keystore. The
// content it replaces is kept until Rollback or the next Install.
func (k *Keystore) Install(ctxt context.Context, profile *PreparedProfile) error {
	profile.replaced = map[string][]byte{}
	for _, fileName := range sortedFileNames(profile.staged) {
		previous, err := files.ReadFile(ctxt, k.stores.Keystore, fileName)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithFields(k.LogTags).Errorf("Unable to read installed %s", fileName)
			return err
		}
		profile.replaced[fileName] = previous
		if err := files.WriteFile(ctxt, k.stores.Keystore, fileName, profile.staged[fileName]); err != nil {
			log.WithError(err).WithFields(k.LogTags).Errorf("Unable to install %s", fileName)
			return err
		}
	}
	return nil
}

// Rollback restore the keystore files replaced by Install
func (k *Keystore) Rollback(ctxt context.Context, profile *PreparedProfile) {
	for _, fileName := range sortedFileNames(profile.replaced) {
		var err error
		if previous := profile.replaced[fileName]; previous != nil {
			err = files.WriteFile(ctxt, k.stores.Keystore, fileName, previous)
		} else {
			err = k.stores.Keystore.Delete(ctxt, fileName)
		}
		if err != nil {
			log.WithError(err).WithFields(k.LogTags).Errorf("Unable to restore %s", fileName)
		}
	}
	profile.replaced = nil
}

// ClearStaging remove the staged copies of the installed files
func (k *Keystore) ClearStaging(ctxt context.Context, profile *PreparedProfile) {
	for _, fileName := range sortedFileNames(profile.staged) {
		if err := k.stores.Staging.Delete(ctxt, fileName); err != nil {
			log.WithError(err).WithFields(k.LogTags).Warnf("Unable to clear staged %s", fileName)
		}
	}
}

// Release remove files no longer held by any profile from the keystore
func (k *Keystore) Release(ctxt context.Context, fileNames ...string) {
	for _, fileName := range fileNames {
		if err := k.stores.Keystore.Delete(ctxt, fileName); err != nil {
			log.WithError(err).WithFields(k.LogTags).Warnf("Unable to release %s", fileName)
		}
	}
}

// Upload place a file into the staging area
func (k *Keystore) Upload(ctxt context.Context, fileName string, content []byte) error {
	if err := files.ValidateFileName(fileName); err != nil {
		return err
	}
	if len(content) > files.MaxFileSize {
		return common.NewValueTooLongError("", "", "File", fileName)
	}
	if err := files.WriteFile(ctxt, k.stores.Staging, fileName, content); err != nil {
		log.WithError(err).WithFields(k.LogTags).Errorf("Unable to stage %s", fileName)
		return common.NewInternalError(err)
	}
	log.WithFields(k.LogTags).Infof("Staged %s (%d bytes)", fileName, len(content))
	return nil
}

// ===============================================================================

var errPasswordRequired = fmt.Errorf("the key is encrypted and no password was given")

func sortedFileNames(content map[string][]byte) []string {
	result := make([]string, 0, len(content))
	for name := range content {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// findBlock the first PEM block whose type is accepted
func findBlock(content []byte, accept func(blockType string) bool) *pem.Block {
	rest := content
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil
		}
		if accept(block.Type) {
			return block
		}
	}
}

func parseCertificate(content []byte, password string) (*x509.Certificate, error) {
	block := findBlock(content, func(blockType string) bool { return blockType == "CERTIFICATE" })
	if block == nil {
		return nil, fmt.Errorf("no PEM encoded certificate found")
	}
	der := block.Bytes
	//nolint:staticcheck
	if x509.IsEncryptedPEMBlock(block) {
		var err error
		//nolint:staticcheck
		if der, err = x509.DecryptPEMBlock(block, []byte(password)); err != nil {
			return nil, err
		}
	}
	return x509.ParseCertificate(der)
}

func parsePrivateKey(content []byte, password string, hasPassword bool) (crypto.Signer, error) {
	block := findBlock(content, func(blockType string) bool {
		return strings.HasSuffix(blockType, "PRIVATE KEY")
	})
	if block == nil {
		return nil, fmt.Errorf("no PEM encoded private key found")
	}
	//nolint:staticcheck
	legacyEncrypted := x509.IsEncryptedPEMBlock(block)
	if (legacyEncrypted || block.Type == "ENCRYPTED PRIVATE KEY") && !hasPassword {
		return nil, errPasswordRequired
	}
	der := block.Bytes
	if legacyEncrypted {
		var err error
		//nolint:staticcheck
		if der, err = x509.DecryptPEMBlock(block, []byte(password)); err != nil {
			return nil, err
		}
	} else if block.Type == "ENCRYPTED PRIVATE KEY" {
		return nil, fmt.Errorf("PKCS#8 encrypted keys are not supported")
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unable to parse the private key")
}

func publicKeysMatch(certKey, privateKeyPublic crypto.PublicKey) bool {
	equaler, ok := certKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return equaler.Equal(privateKeyPublic)
}
