package misc

const (
	// RecordVersion identifies the AES-256-GCM record format
	RecordVersion = "1.0"
	// RecordVersionChaCha identifies the ChaCha20-Poly1305 record format
	RecordVersionChaCha = "1.0+chacha20poly1305"

	// BackupVersion is the bundle format written by CreateBackup
	BackupVersion = "1.0"

	// PBKDF2 per-record key derivation
	PBKDF2Iterations = 100000
	RecordSaltSize   = 16
	KeyLen           = 32

	// ArgonTime master secret derivation parameters
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	MasterSaltSize      = 32

	// physical store namespaces
	SecurePrefix = "finguard_secure_"
	TempPrefix   = "finguard_temp_"
	MetaPrefix   = "finguard_meta_"

	MetaKDFKey        = MetaPrefix + "kdf"
	MetaLastBackupKey = MetaPrefix + "last_backup"

	BackupFilePrefix = "finguard-backup-"
	BackupFileExt    = ".json"

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
