package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	input *ssm.GetParameterInput
	value *string
	err   error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: f.value}}, nil
}

type fakeKMS struct {
	blob      []byte
	plaintext []byte
	err       error
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.blob = in.CiphertextBlob
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: f.plaintext}, nil
}

// unreachable makes any attempt to build a real AWS client fail the test.
type unreachable struct{ t *testing.T }

func (u unreachable) GetParameter(context.Context, *ssm.GetParameterInput, ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	u.t.Fatal("SSM should not be called")
	return nil, nil
}

func (u unreachable) Decrypt(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	u.t.Fatal("KMS should not be called")
	return nil, nil
}

func TestResolve_Literal(t *testing.T) {
	r := &Resolver{SSM: unreachable{t}, KMS: unreachable{t}}
	got, err := r.Resolve(context.Background(), Source{Literal: " xaat-123 \n"})
	if err != nil || got != "xaat-123" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if r.AWSConfig != nil {
		t.Fatal("literal source must not load AWS config")
	}
}

func TestResolve_SourceCount(t *testing.T) {
	tests := []struct {
		name    string
		src     Source
		wantErr string
	}{
		{"none", Source{}, "no secret source"},
		{"blank", Source{Literal: "  "}, "no secret source"},
		{"two", Source{Literal: "a", SSMParam: "/p"}, "mutually exclusive"},
		{"three", Source{Literal: "a", SSMParam: "/p", KMSCiphertext: "Yg=="}, "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{SSM: unreachable{t}, KMS: unreachable{t}}
			_, err := r.Resolve(context.Background(), tt.src)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolve_SSM(t *testing.T) {
	fake := &fakeSSM{value: aws.String("xaat-from-ssm\n")}
	r := &Resolver{SSM: fake, KMS: unreachable{t}}

	got, err := r.Resolve(context.Background(), Source{SSMParam: "/getbananas/axiom-token"})
	if err != nil || got != "xaat-from-ssm" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if aws.ToString(fake.input.Name) != "/getbananas/axiom-token" || !aws.ToBool(fake.input.WithDecryption) {
		t.Fatalf("GetParameter input = %+v", fake.input)
	}
}

func TestResolve_SSMErrors(t *testing.T) {
	sentinel := errors.New("ParameterNotFound")
	tests := []struct {
		name string
		fake *fakeSSM
		want string
	}{
		{"api error", &fakeSSM{err: sentinel}, "get SSM parameter /p"},
		{"nil value", &fakeSSM{}, "has no value"},
		{"empty value", &fakeSSM{value: aws.String("  ")}, "is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{SSM: tt.fake}
			_, err := r.Resolve(context.Background(), Source{SSMParam: "/p"})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
	r := &Resolver{SSM: &fakeSSM{err: sentinel}}
	if _, err := r.Resolve(context.Background(), Source{SSMParam: "/p"}); !errors.Is(err, sentinel) {
		t.Fatalf("err %v does not wrap API error", err)
	}
}

func TestResolve_KMS(t *testing.T) {
	fake := &fakeKMS{plaintext: []byte("xaat-from-kms")}
	r := &Resolver{SSM: unreachable{t}, KMS: fake}
	ct := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})

	got, err := r.Resolve(context.Background(), Source{KMSCiphertext: ct})
	if err != nil || got != "xaat-from-kms" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if string(fake.blob) != "\x01\x02\x03" {
		t.Fatalf("ciphertext blob = %x", fake.blob)
	}
}

func TestResolve_KMSErrors(t *testing.T) {
	ct := base64.StdEncoding.EncodeToString([]byte("blob"))
	tests := []struct {
		name string
		ct   string
		fake *fakeKMS
		want string
	}{
		{"bad base64", "%%%", &fakeKMS{}, "decode KMS ciphertext"},
		{"decrypt error", ct, &fakeKMS{err: errors.New("AccessDenied")}, "kms decrypt"},
		{"empty plaintext", ct, &fakeKMS{plaintext: []byte(" ")}, "plaintext is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{KMS: tt.fake}
			_, err := r.Resolve(context.Background(), Source{KMSCiphertext: tt.ct})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
