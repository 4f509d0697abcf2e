// SPDX-License-Identifier: Apache-2.0

package marketing

import (
	"regexp"
	"time"
)

// CampaignType classifies a campaign and selects its default template.
type CampaignType string

const (
	CampaignWelcome               CampaignType = "welcome"
	CampaignPromotional           CampaignType = "promotional"
	CampaignAbandonedCart         CampaignType = "abandoned_cart"
	CampaignProductRecommendation CampaignType = "product_recommendation"
	CampaignReactivation          CampaignType = "reactivation"
	CampaignNewsletter            CampaignType = "newsletter"
	CampaignTransactional         CampaignType = "transactional"
)

func (c CampaignType) valid() bool {
	switch c {
	case CampaignWelcome, CampaignPromotional, CampaignAbandonedCart, CampaignProductRecommendation,
		CampaignReactivation, CampaignNewsletter, CampaignTransactional:
		return true
	}
	return false
}

// Template is an email with {variable} placeholders.
type Template struct {
	ID      string       `json:"template_id"`
	Name    string       `json:"name"`
	Type    CampaignType `json:"campaign_type"`
	Subject string       `json:"subject_template"`
	Content string       `json:"content_template"`
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Variables lists the placeholders of the template in order of appearance.
func (t Template) Variables() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(t.Subject+"\n"+t.Content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Render fills the placeholders from vars. Unknown placeholders stay as they are.
func (t Template) Render(vars map[string]any) (subject, content string) {
	return fill(t.Subject, vars), fill(t.Content, vars)
}

func fill(text string, vars map[string]any) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		v, ok := vars[m[1:len(m)-1]]
		if !ok || v == nil {
			return m
		}
		return toString(v)
	})
}

func (t Template) Map() map[string]any {
	return map[string]any{
		"template_id":      t.ID,
		"name":             t.Name,
		"campaign_type":    string(t.Type),
		"subject_template": t.Subject,
		"content_template": t.Content,
		"variables":        t.Variables(),
	}
}

// DefaultTemplates are available to every handler.
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:      "welcome_001",
			Name:    "Welcome",
			Type:    CampaignWelcome,
			Subject: "Welcome to {brand_name}!",
			Content: "Hi {customer_name},\n\nWelcome to {brand_name}. As a new customer you get 10% off your first order and free shipping.\n\nStart shopping: {shop_url}\n\nThe {brand_name} team",
		},
		{
			ID:      "cart_001",
			Name:    "Abandoned cart",
			Type:    CampaignAbandonedCart,
			Subject: "Items are waiting in your cart",
			Content: "Hi {customer_name},\n\nYou left these items in your {brand_name} cart:\n\n{cart_items}\n\nTotal: {cart_total}\nUse code {discount_code} within 24 hours: {checkout_url}\n\nThe {brand_name} team",
		},
		{
			ID:      "promo_001",
			Name:    "Promotion",
			Type:    CampaignPromotional,
			Subject: "{offer_title} at {brand_name}",
			Content: "Hi {customer_name},\n\n{offer_body}\n\nShop now: {shop_url}",
		},
		{
			ID:      "reactivation_001",
			Name:    "We miss you",
			Type:    CampaignReactivation,
			Subject: "We miss you, {customer_name}",
			Content: "Hi {customer_name},\n\nIt has been a while. Here is {discount_code} for your next order at {brand_name}.",
		},
	}
}

// Campaign is a marketing campaign and its delivery state.
type Campaign struct {
	ID              string         `json:"campaign_id"`
	Name            string         `json:"name"`
	Type            CampaignType   `json:"campaign_type"`
	TargetAudience  map[string]any `json:"target_audience"`
	TemplateID      string         `json:"template_id"`
	Schedule        map[string]any `json:"schedule"`
	Personalization map[string]any `json:"personalization"`
	ABTest          map[string]any `json:"a_b_test,omitempty"`
	Status          string         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (c Campaign) useAI() bool {
	v, _ := c.Personalization["use_ai"].(bool)
	return v
}

func (c Campaign) Map() map[string]any {
	return map[string]any{
		"campaign_id":     c.ID,
		"name":            c.Name,
		"campaign_type":   string(c.Type),
		"target_audience": c.TargetAudience,
		"template_id":     c.TemplateID,
		"schedule":        c.Schedule,
		"personalization": c.Personalization,
		"a_b_test":        c.ABTest,
		"status":          c.Status,
		"created_at":      c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Metrics are the delivery and engagement counters of a campaign.
type Metrics struct {
	CampaignID   string    `json:"campaign_id"`
	Sent         int       `json:"sent_count"`
	Delivered    int       `json:"delivered_count"`
	Opened       int       `json:"opened_count"`
	Clicked      int       `json:"clicked_count"`
	Unsubscribed int       `json:"unsubscribed_count"`
	Bounced      int       `json:"bounced_count"`
	Conversions  int       `json:"conversions"`
	OpenRate     float64   `json:"open_rate"`
	ClickRate    float64   `json:"click_rate"`
	Conversion   float64   `json:"conversion_rate"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (m *Metrics) recompute() {
	if m.Sent == 0 {
		return
	}
	m.OpenRate = float64(m.Opened) / float64(m.Sent)
	m.ClickRate = float64(m.Clicked) / float64(m.Sent)
	m.Conversion = float64(m.Conversions) / float64(m.Sent)
}

func (m Metrics) Map() map[string]any {
	return map[string]any{
		"campaign_id":        m.CampaignID,
		"sent_count":         m.Sent,
		"delivered_count":    m.Delivered,
		"opened_count":       m.Opened,
		"clicked_count":      m.Clicked,
		"unsubscribed_count": m.Unsubscribed,
		"bounced_count":      m.Bounced,
		"conversions":        m.Conversions,
		"open_rate":          m.OpenRate,
		"click_rate":         m.ClickRate,
		"conversion_rate":    m.Conversion,
		"updated_at":         m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Segment thresholds over customer attributes.
var segments = []struct {
	name     string
	field    string
	above    bool
	limit    float64
	strategy map[string]any
}{
	{"high_value", "lifetime_value", true, 1000,
		map[string]any{"campaign_type": "exclusive_offers", "messaging": "VIP offers and early access", "frequency": "1-2 per month"}},
	{"new_customers", "days_since_signup", false, 30,
		map[string]any{"campaign_type": "welcome_series", "messaging": "product introductions and guides", "frequency": "5-6 emails in the first 30 days"}},
	{"inactive_customers", "days_since_last_purchase", true, 90,
		map[string]any{"campaign_type": "reactivation", "messaging": "special offers and new arrivals", "frequency": "weekly for 4 weeks"}},
	{"frequent_buyers", "purchase_frequency", true, 5,
		map[string]any{"campaign_type": "loyalty_program", "messaging": "points and member events", "frequency": "2-3 per month"}},
	{"price_sensitive", "avg_discount_used", true, 0.15,
		map[string]any{"campaign_type": "promotional", "messaging": "discounts and sales", "frequency": "weekly"}},
}
