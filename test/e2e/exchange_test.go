// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/obo-exchange/pkg/client"
	"github.com/stacklok/obo-exchange/pkg/exchange"
	"github.com/stacklok/obo-exchange/pkg/server"
	"github.com/stacklok/obo-exchange/pkg/testkit"
	"github.com/stacklok/obo-exchange/test/e2e"
)

const (
	clientID        = "api://obo-exchange"
	callingAudience = "api://calling-api"
	downstreamScope = "dataEventRecords"
	downstreamAud   = "rs_dataEventRecordsApi"
	outputIssuer    = "https://obo.example.com/"
	seededUser      = "alice@example.com"
	seededUserID    = "u-alice"
)

const configTemplate = `exchange:
  audience: %[1]s
  accessTokenAuthority: %[2]s
  accessTokenAudience: %[3]s
  scopeForNewAccessToken: %[4]s
  audienceForNewAccessToken: %[5]s
  issuerForNewAccessToken: %[6]s
metadata:
  address: %[2]s
  caBundle: %[7]s
  allowPrivateIP: true
signing:
  generate: true
identityStore:
  type: sqlite
  sqlite:
    path: %[8]s
`

var _ = Describe("Token exchange", Ordered, func() {
	var (
		config     *e2e.TestConfig
		provider   *testkit.Provider
		configPath string
		baseURL    string
		serveCmd   *exec.Cmd
	)

	BeforeAll(func() {
		config = e2e.NewTestConfig()
		Expect(e2e.CheckBinaryAvailable(config)).To(Succeed())

		provider = testkit.NewProvider(suiteT)
		dir := GinkgoT().TempDir()

		caBundle, err := e2e.WriteCABundle(provider.Server, dir)
		Expect(err).ToNot(HaveOccurred())

		configPath = filepath.Join(dir, "config.yaml")
		contents := fmt.Sprintf(configTemplate,
			clientID, provider.Authority(), callingAudience, downstreamScope,
			downstreamAud, outputIssuer, caBundle, filepath.Join(dir, "users.db"))
		Expect(os.WriteFile(configPath, []byte(contents), 0o600)).To(Succeed())

		By("validating the configuration")
		stdout, _ := e2e.NewCommand(config, "validate", "--config", configPath).ExpectSuccess()
		Expect(stdout).To(ContainSubstring("configuration is valid"))

		By("seeding a local account")
		e2e.NewCommand(config, "user", "add", seededUser, "--id", seededUserID, "--config", configPath).ExpectSuccess()
		stdout, _ = e2e.NewCommand(config, "user", "get", seededUser, "--config", configPath).ExpectSuccess()
		Expect(stdout).To(ContainSubstring(seededUserID))

		By("starting the server")
		address, err := e2e.FreeAddress()
		Expect(err).ToNot(HaveOccurred())
		baseURL = "http://" + address
		serveCmd = e2e.StartLongRunningCommand(config, "serve", "--config", configPath, "--address", address)
		Expect(e2e.WaitForHealthy(baseURL, 30*time.Second)).To(Succeed())
	})

	AfterAll(func() {
		e2e.StopCommand(serveCmd, 15*time.Second)
	})

	exchangeFor := func(username string) (string, error) {
		assertion := provider.SignToken(suiteT, provider.SubjectClaims(callingAudience, username))
		token, err := client.Exchange(context.Background(), &client.Config{
			Endpoint:             baseURL,
			ClientID:             clientID,
			Scope:                downstreamScope,
			SubjectTokenProvider: func() (string, error) { return assertion, nil },
		})
		if err != nil {
			return "", err
		}
		return token.AccessToken, nil
	}

	It("issues a token that verifies against the published key set", func() {
		accessToken, err := exchangeFor(seededUser)
		Expect(err).ToNot(HaveOccurred())

		keys, err := jwk.Fetch(context.Background(), baseURL+server.JWKSPath)
		Expect(err).ToNot(HaveOccurred())

		claims := jwt.MapClaims{}
		_, err = jwt.ParseWithClaims(accessToken, claims, func(tok *jwt.Token) (any, error) {
			kid, _ := tok.Header["kid"].(string)
			key, ok := keys.LookupKeyID(kid)
			if !ok {
				return nil, fmt.Errorf("kid %q not published", kid)
			}
			var raw any
			if err := jwk.Export(key, &raw); err != nil {
				return nil, err
			}
			return raw, nil
		},
			jwt.WithIssuer(outputIssuer),
			jwt.WithAudience(downstreamAud),
			jwt.WithExpirationRequired(),
		)
		Expect(err).ToNot(HaveOccurred())
		Expect(claims).To(HaveKeyWithValue("scope", downstreamScope))
		Expect(claims).To(HaveKeyWithValue("preferred_username", seededUser))
		Expect(claims["sub"]).ToNot(Equal("subject-" + seededUser))
	})

	It("rejects a user without a local account", func() {
		_, err := exchangeFor("bob@example.com")

		var rejection *client.Error
		Expect(errors.As(err, &rejection)).To(BeTrue(), "unexpected error: %v", err)
		Expect(rejection.StatusCode).To(Equal(401))
		Expect(rejection.Code).To(Equal(exchange.CodeIncorrectClaims))
		Expect(rejection.Description).To(Equal(exchange.DescriptionUserDoesNotExist))
		Expect(rejection.CorrelationID).ToNot(BeEmpty())
	})

	It("rejects a username that is not an email address", func() {
		_, err := exchangeFor("alice")

		var rejection *client.Error
		Expect(errors.As(err, &rejection)).To(BeTrue(), "unexpected error: %v", err)
		Expect(rejection.Code).To(Equal(exchange.CodeInvalidRequest))
		Expect(rejection.Description).To(Equal(exchange.DescriptionIncorrectEmail))
	})

	It("exchanges through the CLI with the subject token on stdin", func() {
		assertion := provider.SignToken(suiteT, provider.SubjectClaims(callingAudience, seededUser))
		stdout, _ := e2e.NewCommand(config, "exchange",
			"--endpoint", baseURL,
			"--client-id", clientID,
			"--scope", downstreamScope,
		).WithStdin(assertion).ExpectSuccess()

		var result map[string]any
		Expect(json.Unmarshal([]byte(stdout), &result)).To(Succeed())
		Expect(result).To(HaveKeyWithValue("token_type", "Bearer"))
		Expect(result).To(HaveKeyWithValue("scope", downstreamScope))
		Expect(result["access_token"]).ToNot(BeEmpty())
	})

	It("exposes exchange outcomes as metrics", func() {
		stdout, err := e2e.HTTPGet(baseURL + server.MetricsPath)
		Expect(err).ToNot(HaveOccurred())
		Expect(stdout).To(ContainSubstring(`obo_token_exchanges_total{outcome="success"}`))
		Expect(stdout).To(ContainSubstring(`obo_token_exchanges_total{outcome="assertion_has_incorrect_claims"}`))
	})
})
