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
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"deal-escrow-go/internal/clock"
)

const testBotToken = "123456:ABC-test-token"

func testFields(authDate time.Time) map[string]string {
	return map[string]string{
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":      `{"id":279058397,"first_name":"Alex","last_name":"Doe","username":"alexdoe","language_code":"en","is_premium":true}`,
		"auth_date": strconv.FormatInt(authDate.Unix(), 10),
	}
}

func TestVerify_Valid(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewVerifier(testBotToken, MaxAge, clock.NewFake(now))

	initData := Sign(testFields(now.Add(-time.Hour)), testBotToken)
	identity, err := verifier.Verify(initData)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if identity.Id != 279058397 {
		t.Errorf("Expected id 279058397, got %d", identity.Id)
	}
	if identity.Username != "alexdoe" || !identity.IsPremium || identity.LanguageCode != "en" {
		t.Errorf("Unexpected identity: %+v", identity)
	}
}

func TestVerify_TamperedFields(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewVerifier(testBotToken, MaxAge, clock.NewFake(now))
	initData := Sign(testFields(now), testBotToken)

	values, err := url.ParseQuery(initData)
	if err != nil {
		t.Fatalf("ParseQuery failed: %v", err)
	}

	for _, field := range []string{"user", "auth_date", "query_id"} {
		t.Run(field, func(t *testing.T) {
			tampered := url.Values{}
			for k, v := range values {
				tampered[k] = append([]string(nil), v...)
			}
			switch field {
			case "user":
				tampered.Set("user", strings.Replace(values.Get("user"), "279058397", "1", 1))
			case "auth_date":
				tampered.Set("auth_date", strconv.FormatInt(now.Add(time.Minute).Unix(), 10))
			default:
				tampered.Set(field, values.Get(field)+"x")
			}

			_, err := verifier.Verify(tampered.Encode())
			if !errors.Is(err, ErrAuthentication) {
				t.Errorf("Expected ErrAuthentication for tampered %s, got %v", field, err)
			}
		})
	}
}

func TestVerify_AddedField(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewVerifier(testBotToken, MaxAge, clock.NewFake(now))

	initData := Sign(testFields(now), testBotToken) + "&start_param=injected"
	if _, err := verifier.Verify(initData); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected ErrAuthentication, got %v", err)
	}
}

func TestVerify_WrongBotToken(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	verifier := NewVerifier(testBotToken, MaxAge, clock.NewFake(now))

	initData := Sign(testFields(now), "999:other-token")
	if _, err := verifier.Verify(initData); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected ErrAuthentication, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(now)
	verifier := NewVerifier(testBotToken, MaxAge, fake)
	initData := Sign(testFields(now), testBotToken)

	if _, err := verifier.Verify(initData); err != nil {
		t.Fatalf("Expected fresh credential to verify: %v", err)
	}

	fake.Advance(MaxAge + time.Second)
	if _, err := verifier.Verify(initData); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected ErrAuthentication after expiry, got %v", err)
	}
}

func TestVerify_MissingAuthDate(t *testing.T) {
	verifier := NewVerifier(testBotToken, MaxAge, clock.NewFake(time.Now()))

	fields := testFields(time.Now())
	delete(fields, "auth_date")
	if _, err := verifier.Verify(Sign(fields, testBotToken)); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected ErrAuthentication, got %v", err)
	}
}

func TestVerify_MissingHash(t *testing.T) {
	verifier := NewVerifier(testBotToken, MaxAge, clock.NewFake(time.Now()))

	if _, err := verifier.Verify("auth_date=1&user=%7B%7D"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected ErrAuthentication, got %v", err)
	}
	if _, err := verifier.Verify(""); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected ErrAuthentication for empty credential, got %v", err)
	}
}

func TestVerify_NonHexHash(t *testing.T) {
	verifier := NewVerifier(testBotToken, MaxAge, clock.NewFake(time.Now()))

	if _, err := verifier.Verify("auth_date=1&hash=zz"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected ErrAuthentication, got %v", err)
	}
}
