package credcache

import (
	"pkt.systems/scopedstore/internal/credential"
	"pkt.systems/scopedstore/internal/storage"
)

// DeriveConfig copies template and overlays the issued credentials. The
// result always has BYOK disabled so a scoped backend never routes again.
func DeriveConfig(template storage.Config, rec credential.Record) storage.Config {
	cfg := template.Clone()
	cfg.AccessKeyID = rec.AccessKeyID
	cfg.AccessKeyValue = rec.SecretAccessKey
	cfg.SessionToken = rec.SessionToken
	cfg.KMSKeyID = rec.TenantKeyID
	if rec.TenantKeyID != "" {
		cfg.ServerSideEnc = storage.SSEKMS
	}
	cfg.BYOKEnabled = false
	return cfg
}
