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

package common

import (
	"context"
	"fmt"
	"os"

	"deal-escrow-go/internal/models"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Catalog is the seed file format for channels, campaigns and channel memberships
type Catalog struct {
	Channels    []models.Channel           `yaml:"channels"`
	Campaigns   []models.Campaign          `yaml:"campaigns"`
	Memberships []models.ChannelMembership `yaml:"memberships"`
}

// CatalogWriter is the subset of the store that seeding needs
type CatalogWriter interface {
	SaveChannel(ctx context.Context, ch models.Channel) error
	SaveCampaign(ctx context.Context, c models.Campaign) error
	SaveMembership(ctx context.Context, m models.ChannelMembership) error
}

// LoadCatalog reads and validates a catalog seed file
func LoadCatalog(catalogFile string) (*Catalog, error) {
	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", catalogFile, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", catalogFile, err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", catalogFile, err)
	}
	return &catalog, nil
}

func (c *Catalog) Validate() error {
	channels := make(map[int64]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Id == 0 || ch.Title == "" {
			return fmt.Errorf("channel requires id and title")
		}
		channels[ch.Id] = true
	}

	for _, campaign := range c.Campaigns {
		if campaign.Id == 0 || campaign.AdvertiserId == 0 {
			return fmt.Errorf("campaign requires id and advertiser_id")
		}
		switch campaign.Type {
		case models.CampaignDirect, models.CampaignPrompt:
		default:
			return fmt.Errorf("campaign %d has unknown type %q", campaign.Id, campaign.Type)
		}
	}

	for _, m := range c.Memberships {
		if !channels[m.ChannelId] {
			return fmt.Errorf("membership of user %d references unknown channel %d", m.UserId, m.ChannelId)
		}
		if m.Role != models.RoleOwner && m.Role != models.RoleManager {
			return fmt.Errorf("membership of user %d has unknown role %q", m.UserId, m.Role)
		}
	}
	return nil
}

// SeedCatalog writes every catalog row, replacing rows with the same key
func SeedCatalog(ctx context.Context, writer CatalogWriter, catalog *Catalog) error {
	for _, ch := range catalog.Channels {
		if err := writer.SaveChannel(ctx, ch); err != nil {
			return fmt.Errorf("failed to save channel %d: %w", ch.Id, err)
		}
	}
	for _, campaign := range catalog.Campaigns {
		if err := writer.SaveCampaign(ctx, campaign); err != nil {
			return fmt.Errorf("failed to save campaign %d: %w", campaign.Id, err)
		}
	}
	for _, m := range catalog.Memberships {
		if err := writer.SaveMembership(ctx, m); err != nil {
			return fmt.Errorf("failed to save membership %d/%d: %w", m.ChannelId, m.UserId, err)
		}
	}

	zap.L().Info("Catalog seeded",
		zap.Int("channels", len(catalog.Channels)),
		zap.Int("campaigns", len(catalog.Campaigns)),
		zap.Int("memberships", len(catalog.Memberships)))
	return nil
}
