// Package main launches the upload service core: the storage tier
// fabric, the ingest coordinator, the bundle assembler, and the gateway
// client, configured from flags and environment.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ar-io/uploader/bundle"
	"github.com/ar-io/uploader/config/params"
	"github.com/ar-io/uploader/config/remote"
	"github.com/ar-io/uploader/gateway"
	"github.com/ar-io/uploader/ingest"
	"github.com/ar-io/uploader/storage/fabric"
	"github.com/ar-io/uploader/storage/fsbackup"
	"github.com/ar-io/uploader/storage/kvdoc"
	"github.com/ar-io/uploader/storage/memlru"
	"github.com/ar-io/uploader/storage/rediscache"
	"github.com/ar-io/uploader/storage/s3blob"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	dataDirFlag,
	redisURLFlag,
	s3BucketFlag,
	s3RegionFlag,
	s3EndpointFlag,
	gatewayURLFlag,
	adminKeyFlag,
	httpHostFlag,
	httpPortFlag,
	verbosityFlag,
	logFormatFlag,
}

func main() {
	app := cli.App{}
	app.Name = "uploader"
	app.Usage = "runs the ANS-104 upload service core"
	app.Flags = appFlags
	app.Action = startUploader
	app.Before = func(ctx *cli.Context) error {
		switch format := ctx.String(logFormatFlag.Name); format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}
		level, err := logrus.ParseLevel(ctx.String(verbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func startUploader(cliCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := params.LoadFromEnv()
	dataDir := cliCtx.String(dataDirFlag.Name)

	mem, err := memlru.New(0, 0)
	if err != nil {
		return err
	}
	fs, err := fsbackup.New(dataDir + "/backup")
	if err != nil {
		return err
	}
	kv, err := kvdoc.NewStore(dataDir+"/kv", nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.WithError(err).Error("Could not close kv store")
		}
	}()

	remoteCfg := remote.New(remote.Config{Defaults: p})
	remoteCfg.Init(ctx)
	defer remoteCfg.Shutdown()

	cfg := fabric.Config{Mem: mem, FS: fs, KV: kv, Params: p, Tunables: remoteCfg}
	if addr := cliCtx.String(redisURLFlag.Name); addr != "" {
		remoteCache := rediscache.New(rediscache.Config{Addr: addr})
		defer func() {
			if err := remoteCache.Close(); err != nil {
				log.WithError(err).Error("Could not close remote cache")
			}
		}()
		cfg.Remote = remoteCache
	}
	blob, err := s3blob.New(ctx, s3blob.Config{
		Bucket:   cliCtx.String(s3BucketFlag.Name),
		Region:   cliCtx.String(s3RegionFlag.Name),
		Endpoint: cliCtx.String(s3EndpointFlag.Name),
	})
	if err != nil {
		return err
	}
	cfg.Blob = blob

	fab, err := fabric.New(cfg)
	if err != nil {
		return err
	}
	coordinator, err := ingest.NewCoordinator(ingest.Config{Fabric: fab, Params: p})
	if err != nil {
		return err
	}
	assembler := bundle.New(fab, p)

	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:  cliCtx.String(gatewayURLFlag.Name),
		AdminKey: cliCtx.String(adminKeyFlag.Name),
		Params:   p,
	})
	if err != nil {
		return err
	}

	srv := &server{coordinator: coordinator, assembler: assembler, fabric: fab, gw: gw}
	addr := fmt.Sprintf("%s:%d", cliCtx.String(httpHostFlag.Name), cliCtx.Int(httpPortFlag.Name))
	httpSrv := &http.Server{Addr: addr, Handler: srv.routes()}
	go func() {
		log.WithField("address", addr).Info("Upload API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	log.WithField("datadir", dataDir).Info("Upload service core started")
	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
