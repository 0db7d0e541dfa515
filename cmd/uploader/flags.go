package main

import "github.com/urfave/cli/v2"

var (
	dataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Directory for the filesystem backup and kv tiers",
		Value:   "./uploader-data",
		EnvVars: []string{"UPLOADER_DATADIR"},
	}
	redisURLFlag = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Remote cache URL; empty disables the tier",
		EnvVars: []string{"UPLOADER_REDIS_URL"},
	}
	s3BucketFlag = &cli.StringFlag{
		Name:    "s3-bucket",
		Usage:   "Object store bucket for raw data items",
		Value:   "raw-data-items",
		EnvVars: []string{"UPLOADER_S3_BUCKET"},
	}
	s3RegionFlag = &cli.StringFlag{
		Name:    "s3-region",
		Usage:   "Object store region",
		Value:   "us-east-1",
		EnvVars: []string{"UPLOADER_S3_REGION"},
	}
	s3EndpointFlag = &cli.StringFlag{
		Name:    "s3-endpoint",
		Usage:   "Custom S3-compatible endpoint",
		EnvVars: []string{"UPLOADER_S3_ENDPOINT"},
	}
	gatewayURLFlag = &cli.StringFlag{
		Name:    "gateway-url",
		Usage:   "Arweave gateway base URL",
		Value:   "https://arweave.net",
		EnvVars: []string{"UPLOADER_GATEWAY_URL"},
	}
	adminKeyFlag = &cli.StringFlag{
		Name:    "admin-key",
		Usage:   "Bearer key for gateway admin calls",
		EnvVars: []string{"UPLOADER_ADMIN_KEY"},
	}
	httpHostFlag = &cli.StringFlag{
		Name:    "http-host",
		Usage:   "Host for the upload API",
		Value:   "127.0.0.1",
		EnvVars: []string{"UPLOADER_HTTP_HOST"},
	}
	httpPortFlag = &cli.IntFlag{
		Name:    "http-port",
		Usage:   "Port for the upload API",
		Value:   3000,
		EnvVars: []string{"UPLOADER_HTTP_PORT"},
	}
	verbosityFlag = &cli.StringFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value:   "info",
		EnvVars: []string{"UPLOADER_VERBOSITY"},
	}
	logFormatFlag = &cli.StringFlag{
		Name:    "log-format",
		Usage:   "Log format, either text or json",
		Value:   "text",
		EnvVars: []string{"UPLOADER_LOG_FORMAT"},
	}
)
