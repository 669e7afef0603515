package utils

import "os"

var (
	CRDB_DSN = os.Getenv("CRDB_DSN")

	AWS_ACCESS_KEY_ID     = os.Getenv("AWS_ACCESS_KEY_ID")
	AWS_SECRET_ACCESS_KEY = os.Getenv("AWS_SECRET_ACCESS_KEY")
	AWS_DEFAULT_REGION    = GetEnvOrDefault("AWS_DEFAULT_REGION", "us-east-1")

	S3_BUCKET_NAME = os.Getenv("S3_BUCKET_NAME")
	S3_ENDPOINT    = os.Getenv("S3_ENDPOINT")

	// Root path for the disk datastore when S3 is not configured
	DATA_DIR = GetEnvOrDefault("DATA_DIR", "/var/lib/tracelake")

	// Badger partition index directory, used when CRDB_DSN is empty
	BADGER_DIR = GetEnvOrDefault("BADGER_DIR", "/var/lib/tracelake/index")

	// Seconds a superseded partition stays visible before the scheduler
	// marks it for deletion
	RETIRE_GRACE_SEC = GetEnvOrDefaultInt("RETIRE_GRACE_SEC", 3600)

	// Max concurrent materialization jobs per engine instance
	MATERIALIZE_WORKERS = GetEnvOrDefaultInt("MATERIALIZE_WORKERS", 8)
)
