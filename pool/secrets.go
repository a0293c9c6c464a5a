// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretSource resolves a password reference to its value.
type SecretSource interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

const secretCacheTTL = 5 * time.Minute

type secretCacheEntry struct {
	value     string
	expiresAt time.Time
}

// AWSSecretSource fetches passwords from AWS Secrets Manager with a short
// in-memory cache so pool restarts and registrations do not hammer the API.
type AWSSecretSource struct {
	client *secretsmanager.Client

	mu    sync.RWMutex
	cache map[string]*secretCacheEntry
}

// NewAWSSecretSource builds a source from the default AWS credential chain.
func NewAWSSecretSource(ctx context.Context) (*AWSSecretSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &AWSSecretSource{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*secretCacheEntry),
	}, nil
}

// Resolve fetches the secret, returning the "password" field when the
// secret is a JSON object and the raw string otherwise.
func (s *AWSSecretSource) Resolve(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	entry, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("fetching secret %s: %w", maskRef(ref), err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskRef(ref))
	}

	value := extractPassword(*out.SecretString)
	s.mu.Lock()
	s.cache[ref] = &secretCacheEntry{value: value, expiresAt: time.Now().Add(secretCacheTTL)}
	s.mu.Unlock()
	return value, nil
}

// EnvSecretSource reads passwords from environment variables.
type EnvSecretSource struct{}

// Resolve returns the value of the named variable.
func (EnvSecretSource) Resolve(_ context.Context, ref string) (string, error) {
	v := os.Getenv(ref)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", ref)
	}
	return v, nil
}

// StaticSecretSource serves secrets from a fixed map, for tests and local
// development.
type StaticSecretSource map[string]string

// Resolve looks the reference up in the map.
func (s StaticSecretSource) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("unknown secret %q", ref)
	}
	return v, nil
}

// SecretResolver dispatches on the reference scheme: "aws:<arn>" goes to
// Secrets Manager, "env:<VAR>" to the environment, anything else to the
// fallback source when one is set.
type SecretResolver struct {
	AWS      SecretSource
	Env      SecretSource
	Fallback SecretSource
}

// NewSecretResolver builds a resolver. aws may be nil when Secrets Manager
// is not configured.
func NewSecretResolver(aws SecretSource) *SecretResolver {
	return &SecretResolver{AWS: aws, Env: EnvSecretSource{}}
}

// Resolve dispatches by scheme prefix.
func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "aws:"):
		if r.AWS == nil {
			return "", fmt.Errorf("secret %s requires AWS Secrets Manager, which is not configured", maskRef(ref))
		}
		return r.AWS.Resolve(ctx, strings.TrimPrefix(ref, "aws:"))
	case strings.HasPrefix(ref, "env:"):
		return r.Env.Resolve(ctx, strings.TrimPrefix(ref, "env:"))
	default:
		if r.Fallback != nil {
			return r.Fallback.Resolve(ctx, ref)
		}
		return "", fmt.Errorf("unrecognised secret reference %s", maskRef(ref))
	}
}

// extractPassword pulls the password field out of a JSON secret payload,
// falling back to the raw value for plain-string secrets.
func extractPassword(raw string) string {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return raw
	}
	for _, key := range []string{"password", "PASSWORD", "Password"} {
		if v, ok := fields[key].(string); ok {
			return v
		}
	}
	return raw
}

// maskRef keeps only the tail of a secret reference for log lines.
func maskRef(ref string) string {
	if len(ref) <= 8 {
		return "***"
	}
	return "***" + ref[len(ref)-8:]
}
