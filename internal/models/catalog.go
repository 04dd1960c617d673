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

package models

// Identity is a verified Telegram user
type Identity struct {
	Id           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
}

// Channel is the destination of sponsored content
type Channel struct {
	Id            int64  `db:"id" yaml:"id"`
	Title         string `db:"title" yaml:"title"`
	Username      string `db:"username" yaml:"username"`
	PayoutAddress string `db:"payout_address" yaml:"payout_address"`
}

type MemberRole string

const (
	RoleOwner   MemberRole = "owner"
	RoleManager MemberRole = "manager"
)

// Permissions held by a channel member
type Permissions struct {
	CanEditPosts    bool `json:"can_edit_posts" yaml:"can_edit_posts"`
	CanViewStats    bool `json:"can_view_stats" yaml:"can_view_stats"`
	CanViewFinance  bool `json:"can_view_finance" yaml:"can_view_finance"`
	CanWithdraw     bool `json:"can_withdraw" yaml:"can_withdraw"`
	CanManageAdmins bool `json:"can_manage_admins" yaml:"can_manage_admins"`
	CanApproveAds   bool `json:"can_approve_ads" yaml:"can_approve_ads"`
}

// ChannelMembership relates a user to a channel
type ChannelMembership struct {
	ChannelId   int64       `db:"channel_id" yaml:"channel_id"`
	UserId      int64       `db:"user_id" yaml:"user_id"`
	Role        MemberRole  `db:"role" yaml:"role"`
	Permissions Permissions `db:"permissions" yaml:"permissions"`
}

// CanAuthorDrafts reports whether the member may submit draft content for the channel
func (m *ChannelMembership) CanAuthorDrafts() bool {
	return m.Role == RoleOwner || m.Permissions.CanEditPosts
}

type CampaignType string

const (
	CampaignDirect CampaignType = "direct"
	CampaignPrompt CampaignType = "prompt"
)

// Campaign is the content template a deal delivers
type Campaign struct {
	Id           int64        `db:"id" yaml:"id"`
	AdvertiserId int64        `db:"advertiser_id" yaml:"advertiser_id"`
	Type         CampaignType `db:"type" yaml:"type"`
	Text         string       `db:"text" yaml:"text"`
	MediaUrls    []string     `db:"media_urls" yaml:"media_urls"`
	ButtonText   string       `db:"button_text" yaml:"button_text"`
	ButtonUrl    string       `db:"button_url" yaml:"button_url"`
}
