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

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"deal-escrow-go/internal/models"
	"deal-escrow-go/internal/store"
)

// Channels, campaigns and memberships belong to the surrounding product.
// The engine only reads them; the Save* methods exist for seeding.

func (s *Service) GetChannel(ctx context.Context, channelId int64) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.QueryRowContext(ctx, queryGetChannel, channelId).
		Scan(&ch.Id, &ch.Title, &ch.Username, &ch.PayoutAddress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: channel %d", store.ErrNotFound, channelId)
		}
		return nil, fmt.Errorf("failed to get channel %d: %w", channelId, err)
	}
	return &ch, nil
}

func (s *Service) SaveChannel(ctx context.Context, ch models.Channel) error {
	if _, err := s.db.ExecContext(ctx, queryUpsertChannel, ch.Id, ch.Title, ch.Username, ch.PayoutAddress); err != nil {
		return fmt.Errorf("failed to save channel %d: %w", ch.Id, err)
	}
	return nil
}

func (s *Service) GetCampaign(ctx context.Context, campaignId int64) (*models.Campaign, error) {
	var (
		c         models.Campaign
		kind      string
		mediaUrls string
	)
	err := s.db.QueryRowContext(ctx, queryGetCampaign, campaignId).
		Scan(&c.Id, &c.AdvertiserId, &kind, &c.Text, &mediaUrls, &c.ButtonText, &c.ButtonUrl)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: campaign %d", store.ErrNotFound, campaignId)
		}
		return nil, fmt.Errorf("failed to get campaign %d: %w", campaignId, err)
	}

	c.Type = models.CampaignType(kind)
	if err := json.Unmarshal([]byte(mediaUrls), &c.MediaUrls); err != nil {
		return nil, fmt.Errorf("failed to decode campaign media: %w", err)
	}
	return &c, nil
}

func (s *Service) SaveCampaign(ctx context.Context, c models.Campaign) error {
	media, err := json.Marshal(nonNilStrings(c.MediaUrls))
	if err != nil {
		return fmt.Errorf("failed to encode campaign media: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryUpsertCampaign,
		c.Id, c.AdvertiserId, string(c.Type), c.Text, string(media), c.ButtonText, c.ButtonUrl); err != nil {
		return fmt.Errorf("failed to save campaign %d: %w", c.Id, err)
	}
	return nil
}

func (s *Service) GetMembership(ctx context.Context, channelId, userId int64) (*models.ChannelMembership, error) {
	var (
		m           models.ChannelMembership
		role        string
		permissions string
	)
	err := s.db.QueryRowContext(ctx, queryGetMembership, channelId, userId).
		Scan(&m.ChannelId, &m.UserId, &role, &permissions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %d is not a member of channel %d", store.ErrNotFound, userId, channelId)
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	m.Role = models.MemberRole(role)
	if err := json.Unmarshal([]byte(permissions), &m.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}
	return &m, nil
}

func (s *Service) SaveMembership(ctx context.Context, m models.ChannelMembership) error {
	permissions, err := json.Marshal(m.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryUpsertMembership, m.ChannelId, m.UserId, string(m.Role), string(permissions)); err != nil {
		return fmt.Errorf("failed to save membership: %w", err)
	}
	return nil
}
