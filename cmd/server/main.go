// The server command runs the device certificate provisioning API.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/acmpca"
	"github.com/aws/aws-sdk-go/service/iot"
	"github.com/aws/aws-sdk-go/service/iotdataplane"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/urfave/cli/v2"

	"github.com/fleetpki/device-cert-provisioning-backend/api/vendorhandler"
	"github.com/fleetpki/device-cert-provisioning-backend/authority"
	"github.com/fleetpki/device-cert-provisioning-backend/cmd/flags"
	"github.com/fleetpki/device-cert-provisioning-backend/common"
	"github.com/fleetpki/device-cert-provisioning-backend/httpserver"
	"github.com/fleetpki/device-cert-provisioning-backend/interfaces"
	"github.com/fleetpki/device-cert-provisioning-backend/lifecycle"
	"github.com/fleetpki/device-cert-provisioning-backend/notifier"
	"github.com/fleetpki/device-cert-provisioning-backend/registry"
	"github.com/fleetpki/device-cert-provisioning-backend/secrets"
	"github.com/fleetpki/device-cert-provisioning-backend/storage"
)

var cliFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.AwsRegionFlag,
	&cli.StringFlag{
		Name:  "iot-endpoint",
		Usage: "IoT data plane endpoint for response topics (defaults to the region's endpoint)",
	},
	&cli.StringFlag{
		Name:  "pending-group",
		Value: "certificate-rotation-pending",
		Usage: "registry group tracking devices with an outstanding rotation",
	},
	&cli.StringFlag{
		Name:     "default-policy",
		Required: true,
		Usage:    "policy attached to new certificates when none is inherited",
	},
	&cli.BoolFlag{
		Name:  "force-default-policy",
		Usage: "always attach the default policy, never inherit from the previous certificate",
	},
	&cli.BoolFlag{
		Name:  "delete-previous-certificates",
		Usage: "decommission superseded certificates on acknowledge",
	},
	&cli.Int64Flag{
		Name:  "presign-expiry-seconds",
		Value: 300,
		Usage: "lifetime of presigned artifact URLs",
	},
	&cli.StringFlag{
		Name:     "artifact-bucket",
		Required: true,
		Usage:    "S3 bucket holding staged certificate packages",
	},
	&cli.StringFlag{
		Name:  "artifact-prefix",
		Usage: "key prefix of staged certificate packages",
	},
	&cli.StringFlag{
		Name:  "artifact-suffix",
		Usage: "key suffix of staged certificate packages",
	},
	&cli.StringFlag{
		Name:  "success-topic",
		Value: "cmd/certificates/{deviceId}/accepted",
		Usage: "MQTT topic template for success outcomes ({deviceId} placeholder)",
	},
	&cli.StringFlag{
		Name:  "failure-topic",
		Value: "cmd/certificates/{deviceId}/rejected",
		Usage: "MQTT topic template for failure outcomes ({deviceId} placeholder)",
	},
	&cli.Int64Flag{
		Name:  "topic-qos",
		Value: 1,
		Usage: "QoS for outcome publishes",
	},
	&cli.StringFlag{
		Name:  "ca-backend",
		Value: string(authority.BackendLocal),
		Usage: "default CA backend: 'local' or 'managed'",
	},
	&cli.StringFlag{
		Name:     "ca-authority-id",
		Required: true,
		Usage:    "default CA: registered CA certificate ID (local) or CA ARN (managed)",
	},
	&cli.StringSliceFlag{
		Name:  "ca-alias",
		Usage: "alias=arn mapping for the managed backend, repeatable",
	},
	&cli.StringFlag{
		Name:  "ca-signing-algorithm",
		Value: "SHA256WITHRSA",
		Usage: "signing algorithm of the managed backend",
	},
	&cli.Int64Flag{
		Name:  "ca-validity-days",
		Value: 365,
		Usage: "validity of issued certificates in days",
	},
	&cli.StringFlag{
		Name:  "ca-key-store",
		Value: "ssm://",
		Usage: "secret store URI for local CA keys: ssm:// or vault://host/mount[/path]",
	},
	&cli.StringFlag{
		Name:  "ca-key-name",
		Value: "/device-pki/ca/{authorityId}/key",
		Usage: "secret name template of local CA private keys ({authorityId} placeholder)",
	},
	&cli.StringFlag{
		Name:    "vault-token",
		EnvVars: []string{"VAULT_TOKEN"},
		Usage:   "token for Vault-backed CA key stores",
	},
	flags.LogJsonFlag,
	flags.LogDebugFlag,
	flags.LogUidFlag,
	flags.LogServiceFlag,
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}

func main() {
	app := &cli.App{
		Name:    "provisioning-server",
		Usage:   "Serve the device certificate provisioning API",
		Version: common.Version,
		Flags:   cliFlags,
		Action:  runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	awsCfg := aws.NewConfig()
	if region := cCtx.String(flags.AwsRegionFlag.Name); region != "" {
		awsCfg = awsCfg.WithRegion(region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		logger.Error("Failed to create AWS session", "err", err)
		return err
	}

	aliases, err := parseAliases(cCtx.StringSlice("ca-alias"))
	if err != nil {
		logger.Error("Invalid CA alias mapping", "err", err)
		return err
	}

	secretFactory := secrets.NewFactory(sess, cCtx.String("vault-token"), logger)
	keyStore, err := secretFactory.StoreFor(cCtx.String("ca-key-store"))
	if err != nil {
		logger.Error("Failed to create CA key store", "err", err)
		return err
	}

	selector, err := authority.NewSelector(authority.SelectorConfig{
		DefaultBackend:     authority.Backend(cCtx.String("ca-backend")),
		DefaultAuthorityID: cCtx.String("ca-authority-id"),
		Aliases:            aliases,
		SigningAlgorithm:   cCtx.String("ca-signing-algorithm"),
		ValidityDays:       cCtx.Int64("ca-validity-days"),
		KeyNameTemplate:    cCtx.String("ca-key-name"),
		Poll:               authority.DefaultPollConfig(),
	}, iot.New(sess), acmpca.New(sess), keyStore, logger)
	if err != nil {
		logger.Error("Failed to configure CA selector", "err", err)
		return err
	}

	deviceRegistry := registry.NewIoTRegistry(iot.New(sess), logger)

	artifacts := storage.NewS3ArtifactStore(s3.New(sess), storage.S3Config{
		Bucket: cCtx.String("artifact-bucket"),
		Prefix: cCtx.String("artifact-prefix"),
		Suffix: cCtx.String("artifact-suffix"),
	}, logger)

	dataPlaneCfg := aws.NewConfig()
	if endpoint := cCtx.String("iot-endpoint"); endpoint != "" {
		dataPlaneCfg = dataPlaneCfg.WithEndpoint(endpoint)
	}
	responses := notifier.NewIoTPublisher(iotdataplane.New(sess, dataPlaneCfg), notifier.TopicConfig{
		SuccessTemplate: cCtx.String("success-topic"),
		FailureTemplate: cCtx.String("failure-topic"),
		QoS:             cCtx.Int64("topic-qos"),
	}, logger)

	engine := lifecycle.New(deviceRegistry, selector, artifacts, responses, lifecycle.Config{
		PendingGroup:               cCtx.String("pending-group"),
		DefaultPolicy:              interfaces.PolicyName(cCtx.String("default-policy")),
		ForceDefaultPolicy:         cCtx.Bool("force-default-policy"),
		DeletePreviousCertificates: cCtx.Bool("delete-previous-certificates"),
		PresignExpiry:              time.Duration(cCtx.Int64("presign-expiry-seconds")) * time.Second,
	}, logger)

	handler := vendorhandler.NewHandler(engine, logger)
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")
	server.Shutdown()
	return nil
}

func parseAliases(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	aliases := make(map[string]string, len(entries))
	for _, entry := range entries {
		alias, arn, ok := strings.Cut(entry, "=")
		if !ok || alias == "" || arn == "" {
			return nil, fmt.Errorf("malformed ca-alias entry %q, want alias=arn", entry)
		}
		aliases[alias] = arn
	}
	return aliases, nil
}
