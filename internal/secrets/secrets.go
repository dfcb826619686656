// Package secrets resolves the event sink token at startup.
//
// Exactly one source is expected: a literal value, an SSM SecureString
// parameter or a base64 KMS ciphertext. AWS configuration is only loaded when
// one of the AWS sources is used.
package secrets

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/getbananas/getbananas-web/internal/xerrors"
)

// SSMGetParameterAPI is the subset of the SSM API used to read a parameter.
type SSMGetParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// KMSDecryptAPI is the subset of the KMS API used to decrypt a ciphertext.
type KMSDecryptAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type Source struct {
	Literal       string
	SSMParam      string
	KMSCiphertext string
}

// Resolver turns a Source into a plaintext value. Nil clients are created from
// the default AWS config on first use.
type Resolver struct {
	SSM SSMGetParameterAPI
	KMS KMSDecryptAPI

	// AWSConfig overrides the default config chain
	AWSConfig *aws.Config
}

// Resolve returns the token from the single configured source.
func (r *Resolver) Resolve(ctx context.Context, src Source) (string, error) {
	n := 0
	for _, s := range []string{src.Literal, src.SSMParam, src.KMSCiphertext} {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	switch {
	case n == 0:
		return "", xerrors.New("no secret source configured")
	case n > 1:
		return "", xerrors.New("secret sources are mutually exclusive")
	}

	switch {
	case src.Literal != "":
		return strings.TrimSpace(src.Literal), nil
	case src.SSMParam != "":
		return r.fromSSM(ctx, strings.TrimSpace(src.SSMParam))
	default:
		return r.fromKMS(ctx, strings.TrimSpace(src.KMSCiphertext))
	}
}

func (r *Resolver) awsConfig(ctx context.Context) (aws.Config, error) {
	if r.AWSConfig != nil {
		return *r.AWSConfig, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	r.AWSConfig = &cfg
	return cfg, nil
}

func (r *Resolver) fromSSM(ctx context.Context, name string) (string, error) {
	if r.SSM == nil {
		cfg, err := r.awsConfig(ctx)
		if err != nil {
			return "", err
		}
		r.SSM = ssm.NewFromConfig(cfg)
	}

	out, err := r.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

func (r *Resolver) fromKMS(ctx context.Context, b64 string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", xerrors.Wrap(err, "decode KMS ciphertext")
	}
	if r.KMS == nil {
		cfg, err := r.awsConfig(ctx)
		if err != nil {
			return "", err
		}
		r.KMS = kms.NewFromConfig(cfg)
	}

	out, err := r.KMS.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", xerrors.Wrap(err, "kms decrypt")
	}
	v := strings.TrimSpace(string(out.Plaintext))
	if v == "" {
		return "", xerrors.New("kms plaintext is empty")
	}
	return v, nil
}
