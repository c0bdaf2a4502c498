package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/pubsub/kafkatransport"
)

// commonFlags are shared by every command: logging, transport selection and
// the Kafka connection settings.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "transport",
			Aliases: []string{"t"},
			Usage:   "The transport to use (kafka or mem)",
			EnvVars: []string{"PUBSUB_TRANSPORT"},
			Value:   "kafka",
		},
		&cli.StringFlag{
			Name:     "channel",
			Aliases:  []string{"c"},
			Usage:    "The channel name",
			EnvVars:  []string{"PUBSUB_CHANNEL"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "The Kafka brokers to use (comma-separated list)",
			EnvVars: []string{"KAFKA_BOOTSTRAP_SERVERS"},
			Value:   "localhost:9092",
		},
		&cli.StringFlag{
			Name:    "kafka-client-id",
			Usage:   "The Kafka client ID to use",
			EnvVars: []string{"KAFKA_CLIENT_ID"},
			Value:   "gcutils",
		},
		&cli.StringFlag{
			Name:    "kafka-registry-topic",
			Usage:   "The compacted Kafka topic holding subscription records",
			EnvVars: []string{"KAFKA_REGISTRY_TOPIC"},
			Value:   kafkatransport.DefaultRegistryTopic,
		},
		&cli.IntFlag{
			Name:    "kafka-num-partitions",
			Usage:   "The number of partitions for created channel topics (must be greater than 0)",
			EnvVars: []string{"KAFKA_NUM_PARTITIONS"},
			Value:   3,
		},
		&cli.IntFlag{
			Name:    "kafka-replication-factor",
			Usage:   "The replication factor for created topics (must be greater than 0)",
			EnvVars: []string{"KAFKA_REPLICATION_FACTOR"},
			Value:   1,
		},
		&cli.StringFlag{
			Name:    "kafka-auto-offset-reset",
			Usage:   "Kafka auto offset reset policy (earliest or latest)",
			EnvVars: []string{"KAFKA_AUTO_OFFSET_RESET"},
			Value:   "earliest",
		},
		&cli.Int64Flag{
			Name:    "kafka-max-concurrency",
			Usage:   "Maximum concurrent message handlers per listener",
			EnvVars: []string{"KAFKA_MAX_CONCURRENCY"},
			Value:   kafkatransport.DefaultMaxConcurrency,
		},
		&cli.DurationFlag{
			Name:    "kafka-commit-interval",
			Usage:   "The interval for committing settled offsets",
			EnvVars: []string{"KAFKA_COMMIT_INTERVAL"},
			Value:   kafkatransport.DefaultCommitInterval,
		},
		&cli.BoolFlag{
			Name:    "kafka-enable-logs",
			Aliases: []string{"l"},
			Usage:   "Enable Kafka logs",
			EnvVars: []string{"KAFKA_ENABLE_LOGS"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-username",
			Usage:   "SASL username for Kafka authentication",
			EnvVars: []string{"KAFKA_SASL_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-password",
			Usage:   "SASL password for Kafka authentication",
			EnvVars: []string{"KAFKA_SASL_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "kafka-sasl-mechanism",
			Usage:   "SASL mechanism (PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512)",
			EnvVars: []string{"KAFKA_SASL_MECHANISM"},
			Value:   "PLAIN",
		},
		&cli.StringFlag{
			Name:    "kafka-security-protocol",
			Usage:   "Security protocol (SASL_SSL or SASL_PLAINTEXT)",
			EnvVars: []string{"KAFKA_SECURITY_PROTOCOL"},
			Value:   "SASL_SSL",
		},
	}
}

// subscriptionFlags configure a subscription and the retry policy used to
// provision it.
func subscriptionFlags(required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "subscription",
			Aliases:  []string{"s"},
			Usage:    "The subscription name",
			EnvVars:  []string{"PUBSUB_SUBSCRIPTION"},
			Required: required,
		},
		&cli.DurationFlag{
			Name:    "ack-deadline",
			Usage:   "How long a delivery may stay unsettled before redelivery",
			EnvVars: []string{"PUBSUB_ACK_DEADLINE"},
			Value:   pubsub.DefaultAckDeadline,
		},
		&cli.DurationFlag{
			Name:    "retry-min-backoff",
			Usage:   "The delay before the first redelivery of a nacked message",
			EnvVars: []string{"PUBSUB_RETRY_MIN_BACKOFF"},
			Value:   pubsub.DefaultRetryMinBackoff,
		},
		&cli.DurationFlag{
			Name:    "retry-max-backoff",
			Usage:   "The redelivery delay cap",
			EnvVars: []string{"PUBSUB_RETRY_MAX_BACKOFF"},
			Value:   pubsub.DefaultRetryMaxBackoff,
		},
		&cli.DurationFlag{
			Name:    "provision-wait",
			Usage:   "The pause between provisioning attempts",
			EnvVars: []string{"PUBSUB_PROVISION_WAIT"},
			Value:   100 * time.Millisecond,
		},
		&cli.IntFlag{
			Name:    "provision-max-attempts",
			Usage:   "The maximum number of provisioning attempts",
			EnvVars: []string{"PUBSUB_PROVISION_MAX_ATTEMPTS"},
			Value:   3,
		},
	}
}

// metricsFlags configure the Prometheus endpoint of long-running commands.
func metricsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "service",
			Usage:   "Service name for metrics labels",
			EnvVars: []string{"SERVICE"},
			Value:   "pubsub",
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"E"},
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "region",
			Aliases: []string{"R"},
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Aliases: []string{"P"},
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
			Value:   "",
		},
	}
}

func provisionFlags() []cli.Flag {
	flags := append(commonFlags(), subscriptionFlags(false)...)
	return append(flags,
		&cli.StringSliceFlag{
			Name:    "label",
			Usage:   "Channel label as key=value (repeatable)",
			EnvVars: []string{"PUBSUB_CHANNEL_LABELS"},
		},
	)
}

func publishFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:     "data",
			Aliases:  []string{"d"},
			Usage:    "The message payload",
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Publish the payload as JSON with the content-type marker set",
		},
		&cli.StringSliceFlag{
			Name:    "attribute",
			Aliases: []string{"a"},
			Usage:   "Message attribute as key=value (repeatable)",
		},
		&cli.StringFlag{
			Name:    "ordering-key",
			Aliases: []string{"k"},
			Usage:   "Ordering key attached to every published message",
		},
		&cli.IntFlag{
			Name:    "count",
			Aliases: []string{"n"},
			Usage:   "The number of copies to publish",
			Value:   1,
		},
	)
}

func listenFlags() []cli.Flag {
	flags := append(commonFlags(), subscriptionFlags(true)...)
	flags = append(flags, metricsFlags()...)
	return append(flags,
		&cli.BoolFlag{
			Name:    "decode-json",
			Aliases: []string{"j"},
			Usage:   "Decode JSON payloads before logging them",
		},
		&cli.DurationFlag{
			Name:    "report-interval",
			Usage:   "Interval between delivery progress log lines (0 disables)",
			EnvVars: []string{"PUBSUB_REPORT_INTERVAL"},
			Value:   time.Minute,
		},
	)
}

func removeFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.StringFlag{
			Name:     "subscription",
			Aliases:  []string{"s"},
			Usage:    "The subscription to delete",
			EnvVars:  []string{"PUBSUB_SUBSCRIPTION"},
			Required: true,
		},
	)
}
