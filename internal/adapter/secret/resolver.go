// Package secret resolves client secrets, webhook keys and the ledger
// signing key from SSM Parameter Store or the environment.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Resolver retrieves secret values by parameter name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMAPI is the subset of *ssm.Client used by SSMResolver.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMResolver reads SecureString parameters and caches them for the life
// of the process.
type SSMResolver struct {
	client SSMAPI
	mu     sync.Mutex
	cache  map[string]string
}

func NewSSMResolver(client SSMAPI) *SSMResolver {
	return &SSMResolver{client: client, cache: make(map[string]string)}
}

func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	if v, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}

	r.mu.Lock()
	r.cache[name] = *out.Parameter.Value
	r.mu.Unlock()
	return *out.Parameter.Value, nil
}

// EnvResolver maps a parameter path onto an environment variable:
// "/signvault/docusign-client-secret" reads DOCUSIGN_CLIENT_SECRET.
type EnvResolver struct{}

func NewEnvResolver() EnvResolver { return EnvResolver{} }

func (EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := EnvName(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return val, nil
}

// EnvName converts a parameter path to its environment variable name.
func EnvName(name string) string {
	parts := strings.Split(strings.TrimSpace(name), "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}

// Optional resolves name, returning "" when name is empty.
func Optional(ctx context.Context, r Resolver, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil
	}
	return r.GetSecret(ctx, name)
}
