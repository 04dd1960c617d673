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

package database

const (
	dealColumns = `
		id, advertiser_id, channel_id, campaign_id, price, post_count, duration_hours,
		escrow_address, encrypted_key, advertiser_address, payment_verified_at,
		scheduled_at, posted_at, expires_at, message_ids,
		draft_text, draft_media, draft_approved, revision_count, draft_submitted_at, draft_history, changes_requested,
		status, flag, flag_reason, version, created_at, updated_at`

	// Deal queries
	queryInsertDeal = `
		INSERT INTO deals (
			advertiser_id, channel_id, campaign_id, price, post_count, duration_hours,
			escrow_address, encrypted_key, advertiser_address, scheduled_at,
			status, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`

	queryGetDeal = `
		SELECT ` + dealColumns + `
		FROM deals
		WHERE id = ?`

	queryListDealsByStatus = `
		SELECT ` + dealColumns + `
		FROM deals
		WHERE status IN (%s)
		ORDER BY id`

	queryCountDealsByStatus = `
		SELECT status, COUNT(*)
		FROM deals
		GROUP BY status
		ORDER BY status`

	queryListFlaggedDeals = `
		SELECT ` + dealColumns + `
		FROM deals
		WHERE flag != ''
		ORDER BY id`

	// Compare-and-set on (status, version): a lost race updates zero rows
	queryUpdateDeal = `
		UPDATE deals
		SET payment_verified_at = ?, scheduled_at = ?, posted_at = ?, expires_at = ?, message_ids = ?,
		    draft_text = ?, draft_media = ?, draft_approved = ?, revision_count = ?,
		    draft_submitted_at = ?, draft_history = ?, changes_requested = ?,
		    status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`

	// Flags never bump the version so they cannot make a concurrent transition lose its race
	queryFlagDeal = `
		UPDATE deals
		SET flag = ?, flag_reason = ?, updated_at = ?
		WHERE id = ?`

	// Settlement queries
	querySettlementColumns = `
		id, deal_id, kind, leg, destination, fraction, amount, idempotency_key,
		status, tx_hash, error, created_at, updated_at, version`

	queryInsertSettlement = `
		INSERT INTO settlements (
			id, deal_id, kind, leg, destination, fraction, amount, idempotency_key,
			status, tx_hash, error, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, 1)`

	queryGetSettlements = `
		SELECT ` + querySettlementColumns + `
		FROM settlements
		WHERE deal_id = ?
		ORDER BY CASE leg WHEN 'advertiser' THEN 0 ELSE 1 END`

	queryUpdateSettlement = `
		UPDATE settlements
		SET amount = ?, status = ?, tx_hash = ?, error = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND version = ?`

	queryListOpenSettlementDeals = `
		SELECT DISTINCT deal_id
		FROM settlements
		WHERE status IN ('intent', 'prepared', 'submitted')
		ORDER BY deal_id`

	// Catalog queries
	queryGetChannel = `
		SELECT id, title, username, payout_address
		FROM channels
		WHERE id = ?`

	queryUpsertChannel = `
		INSERT INTO channels (id, title, username, payout_address) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, username = excluded.username,
			payout_address = excluded.payout_address`

	queryGetCampaign = `
		SELECT id, advertiser_id, type, text, media_urls, button_text, button_url
		FROM campaigns
		WHERE id = ?`

	queryUpsertCampaign = `
		INSERT INTO campaigns (id, advertiser_id, type, text, media_urls, button_text, button_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET advertiser_id = excluded.advertiser_id, type = excluded.type,
			text = excluded.text, media_urls = excluded.media_urls,
			button_text = excluded.button_text, button_url = excluded.button_url`

	queryGetMembership = `
		SELECT channel_id, user_id, role, permissions
		FROM channel_memberships
		WHERE channel_id = ? AND user_id = ?`

	queryUpsertMembership = `
		INSERT INTO channel_memberships (channel_id, user_id, role, permissions) VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id, user_id) DO UPDATE SET role = excluded.role, permissions = excluded.permissions`

	// Identity queries
	queryUpsertIdentity = `
		INSERT INTO identities (id, first_name, last_name, username, language_code, is_premium)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name,
			username = excluded.username, language_code = excluded.language_code,
			is_premium = excluded.is_premium, updated_at = CURRENT_TIMESTAMP`

	queryGetIdentity = `
		SELECT id, first_name, last_name, username, language_code, is_premium
		FROM identities
		WHERE id = ?`

	// Journal queries
	queryInsertJournalEntry = `
		INSERT OR IGNORE INTO journal_entries (reference, deal_id, event_type, source, destination, amount, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetJournalEntries = `
		SELECT reference, deal_id, event_type, source, destination, amount, tx_hash, created_at
		FROM journal_entries
		WHERE deal_id = ?
		ORDER BY id`
)
