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

package deals

import (
	"errors"

	"deal-escrow-go/internal/identity"
)

var (
	ErrAuthentication = identity.ErrAuthentication
	// ErrAuthorization means the identity is valid but may not perform the action
	ErrAuthorization = errors.New("not authorized")
	// ErrInvalidTransition means the deal is not in a state the action applies to, or a concurrent change won
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrExternalService is a ledger or delivery failure. Deal state is unchanged and the next tick retries.
	ErrExternalService = errors.New("external service failure")
	// ErrIrrecoverableFunds means funds cannot be moved automatically. The deal is flagged for an operator.
	ErrIrrecoverableFunds = errors.New("irrecoverable funds error")
	// ErrIntegrityViolation means published content is gone. The deal is flagged, never auto-resolved.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrInvalidInput is a malformed request
	ErrInvalidInput = errors.New("invalid input")
)
