/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"deal-escrow-go/internal/clock"
	"deal-escrow-go/internal/models"
)

// ErrAuthentication is returned for any credential that must not be trusted.
var ErrAuthentication = errors.New("authentication failed")

// MaxAge is how long a signed credential stays valid after auth_date
const MaxAge = 24 * time.Hour

const (
	fieldHash     = "hash"
	fieldAuthDate = "auth_date"
	fieldUser     = "user"

	webAppDataKey = "WebAppData"
)

// Verifier checks Telegram Mini App init data against the bot token.
// One instance is shared by every entry point that accepts a credential.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	clock  clock.Clock
}

func NewVerifier(botToken string, maxAge time.Duration, clk clock.Clock) *Verifier {
	if maxAge <= 0 {
		maxAge = MaxAge
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Verifier{
		secret: deriveSecret(botToken),
		maxAge: maxAge,
		clock:  clk,
	}
}

// Verify authenticates the init data and returns the identity embedded in the signed payload
func (v *Verifier) Verify(initData string) (*models.Identity, error) {
	if initData == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrAuthentication)
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed credential: %v", ErrAuthentication, err)
	}

	supplied := values.Get(fieldHash)
	if supplied == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrAuthentication)
	}
	values.Del(fieldHash)

	expected := signature(v.secret, values)
	decoded, err := hex.DecodeString(supplied)
	if err != nil || !hmac.Equal(decoded, expected) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}

	rawAuthDate := values.Get(fieldAuthDate)
	if rawAuthDate == "" {
		return nil, fmt.Errorf("%w: missing auth_date", ErrAuthentication)
	}
	authUnix, err := strconv.ParseInt(rawAuthDate, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid auth_date %q", ErrAuthentication, rawAuthDate)
	}
	if v.clock.Now().Sub(time.Unix(authUnix, 0)) > v.maxAge {
		return nil, fmt.Errorf("%w: credential expired", ErrAuthentication)
	}

	rawUser := values.Get(fieldUser)
	if rawUser == "" {
		return nil, fmt.Errorf("%w: missing user", ErrAuthentication)
	}
	var identity models.Identity
	if err := json.Unmarshal([]byte(rawUser), &identity); err != nil {
		return nil, fmt.Errorf("%w: invalid user payload: %v", ErrAuthentication, err)
	}
	if identity.Id == 0 {
		return nil, fmt.Errorf("%w: user payload has no id", ErrAuthentication)
	}

	return &identity, nil
}

// Sign produces a credential string for the given fields, as the Telegram client would
func Sign(fields map[string]string, botToken string) string {
	values := url.Values{}
	for k, v := range fields {
		if k == fieldHash {
			continue
		}
		values.Set(k, v)
	}
	values.Set(fieldHash, hex.EncodeToString(signature(deriveSecret(botToken), values)))
	return values.Encode()
}

func deriveSecret(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte(webAppDataKey))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

// signature computes the HMAC over the data-check string: every field except
// hash, formatted key=value and joined by newlines in sorted key order
func signature(secret []byte, values url.Values) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == fieldHash {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + values.Get(k)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(lines, "\n")))
	return mac.Sum(nil)
}
