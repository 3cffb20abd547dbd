package files

import (
	"fmt"

	"github.com/alwitt/mqadmin/common"
)

// Stores the two file areas used by the admin server
type Stores struct {
	// Staging holds uploaded files not yet claimed by a configuration object
	Staging FileStore
	// Keystore holds files claimed by a configuration object
	Keystore FileStore
}

// GetFileStores define the staging and keystore areas selected by the config
func GetFileStores(cfg common.FilesConfig) (Stores, error) {
	switch cfg.Driver {
	case "local":
		if cfg.Local == nil {
			return Stores{}, fmt.Errorf("local file store selected without its parameters")
		}
		staging, err := GetLocalStore(cfg.Local.StagingDir)
		if err != nil {
			return Stores{}, err
		}
		keystore, err := GetLocalStore(cfg.Local.KeystoreDir)
		if err != nil {
			return Stores{}, err
		}
		return Stores{Staging: staging, Keystore: keystore}, nil
	case "s3":
		if cfg.S3 == nil {
			return Stores{}, fmt.Errorf("s3 file store selected without its parameters")
		}
		client := DefineS3Client(*cfg.S3)
		return Stores{
			Staging:  GetS3Store(client, cfg.S3.Bucket, joinPrefix(cfg.S3.Prefix, "userfiles")),
			Keystore: GetS3Store(client, cfg.S3.Bucket, joinPrefix(cfg.S3.Prefix, "keystore")),
		}, nil
	}
	return Stores{}, fmt.Errorf("unknown file store driver '%s'", cfg.Driver)
}

func joinPrefix(base, area string) string {
	if base == "" {
		return area
	}
	return base + "/" + area
}
