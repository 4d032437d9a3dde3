// Package config holds process-wide configuration resolved from the
// config file and environment at startup.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Global configuration variables
var (
	// MongoURI is the document store connection string
	MongoURI string
	// MongoDatabase is the database name used for all collections
	MongoDatabase string
	// S3Endpoint is the object storage endpoint host
	S3Endpoint string
	// S3AccessKey / S3SecretKey are the object storage credentials
	S3AccessKey string
	S3SecretKey string
	// S3Bucket is the bucket all assets are mirrored to
	S3Bucket string
	// S3Region is the object storage region
	S3Region string
	// S3UseSSL controls https for the object storage endpoint
	S3UseSSL bool
)

// InitConfig initializes the global configuration from viper
func InitConfig() {
	viper.SetDefault("mongo.database", "parable")
	viper.SetDefault("s3.usessl", true)

	MongoURI = viper.GetString("mongo.uri")
	MongoDatabase = viper.GetString("mongo.database")
	S3Endpoint = viper.GetString("s3.endpoint")
	S3AccessKey = viper.GetString("s3.accesskey")
	S3SecretKey = viper.GetString("s3.secretkey")
	S3Bucket = viper.GetString("s3.bucket")
	S3Region = viper.GetString("s3.region")
	S3UseSSL = viper.GetBool("s3.usessl")
}

// Validate checks that every setting the pipeline cannot run without is
// present. The ingest command calls this before any id is processed.
func Validate() error {
	var missing []string

	if MongoURI == "" {
		missing = append(missing, "MONGO_URI")
	}
	if S3Endpoint == "" {
		missing = append(missing, "S3_ENDPOINT")
	}
	if S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
