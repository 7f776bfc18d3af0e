package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/aws/aws-msk-iam-sasl-signer-go/signer"
	"github.com/jittakal/kafeventledger/internal/config/dto"
	"go.uber.org/zap"
)

// SecurityConfig selects the broker security protocol and credentials.
type SecurityConfig struct {
	Protocol  string // PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL
	Mechanism string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512, AWS_MSK_IAM
	Username  string
	Password  string
	AWSRegion string
	TLS       dto.TLSConfig
}

// SecurityFromConfig extracts the security settings of the kafka section.
func SecurityFromConfig(cfg dto.KafkaConfig) SecurityConfig {
	return SecurityConfig{
		Protocol:  cfg.SecurityProtocol,
		Mechanism: cfg.SASLMechanism,
		Username:  cfg.SASLUsername,
		Password:  cfg.SASLPassword,
		AWSRegion: cfg.AWSRegion,
		TLS:       cfg.TLS,
	}
}

// MSKAccessTokenProvider implements sarama.AccessTokenProvider for AWS MSK IAM authentication.
type MSKAccessTokenProvider struct {
	region string
}

// Token generates an AWS MSK IAM authentication token.
func (m *MSKAccessTokenProvider) Token() (*sarama.AccessToken, error) {
	token, expiryMs, err := signer.GenerateAuthToken(context.Background(), m.region)
	if err != nil {
		return nil, fmt.Errorf("failed to generate MSK IAM token: %w", err)
	}

	return &sarama.AccessToken{
		Token: token,
		Extensions: map[string]string{
			"expiry": strconv.FormatInt(expiryMs, 10),
		},
	}, nil
}

func configureSecurity(config *sarama.Config, sec SecurityConfig, logger *zap.Logger) error {
	switch sec.Protocol {
	case "", "PLAINTEXT":
		return nil

	case "SASL_PLAINTEXT", "SASL_SSL":
		if err := configureSASL(config, sec); err != nil {
			return err
		}
		if sec.Protocol == "SASL_SSL" {
			return configureTLS(config, sec.TLS, logger)
		}
		return nil

	case "SSL":
		return configureTLS(config, sec.TLS, logger)

	default:
		return fmt.Errorf("unsupported security protocol: %s", sec.Protocol)
	}
}

func configureSASL(config *sarama.Config, sec SecurityConfig) error {
	config.Net.SASL.Enable = true

	switch sec.Mechanism {
	case "PLAIN":
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		config.Net.SASL.User = sec.Username
		config.Net.SASL.Password = sec.Password

	case "SCRAM-SHA-256", "SCRAM-SHA-512":
		mechanism, generator, err := scramGenerator(sec.Mechanism)
		if err != nil {
			return err
		}
		config.Net.SASL.Mechanism = mechanism
		config.Net.SASL.User = sec.Username
		config.Net.SASL.Password = sec.Password
		config.Net.SASL.SCRAMClientGeneratorFunc = generator

	case "AWS_MSK_IAM":
		if sec.AWSRegion == "" {
			return fmt.Errorf("aws_region is required for AWS_MSK_IAM")
		}
		config.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		config.Net.SASL.TokenProvider = &MSKAccessTokenProvider{region: sec.AWSRegion}

	default:
		return fmt.Errorf("unsupported SASL mechanism: %s", sec.Mechanism)
	}

	return nil
}

func configureTLS(config *sarama.Config, cfg dto.TLSConfig, logger *zap.Logger) error {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to parse CA certificate")
		}

		tlsConfig.RootCAs = caCertPool
		logger.Info("loaded CA certificate", zap.String("file", cfg.CACertFile))
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
		logger.Info("loaded client certificate",
			zap.String("cert_file", cfg.ClientCertFile),
			zap.String("key_file", cfg.ClientKeyFile),
		)
	}

	config.Net.TLS.Enable = true
	config.Net.TLS.Config = tlsConfig
	return nil
}

// offsetInitial converts the auto_offset_reset setting to Sarama's offset constant.
func offsetInitial(autoOffsetReset string) int64 {
	switch autoOffsetReset {
	case "earliest":
		return sarama.OffsetOldest
	default:
		return sarama.OffsetNewest
	}
}
