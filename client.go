package utskick

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the operator api of a running utskickd.
func NewClient(apiKey string, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:   host,
		apiKey: apiKey,
	}
}

type Client struct {
	host   string
	apiKey string
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(b)
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, method, c.host+path+"?"+query.Encode(), reader)
	if err != nil {
		return err
	}
	req.Header.Add("content-type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBytes, &e)
		if e.Error == "" {
			e.Error = string(respBytes)
		}
		return fmt.Errorf("api responded with %d, %s", resp.StatusCode, e.Error)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}

func (c *Client) CreateTemplate(ctx context.Context, community, name, subject, body string) (Template, error) {
	var t Template
	err := c.do(ctx, http.MethodPost, "/templates", nil, map[string]string{
		"community": community,
		"name":      name,
		"subject":   subject,
		"body":      body,
	}, &t)
	return t, err
}

func (c *Client) ListTemplates(ctx context.Context, community string) ([]Template, error) {
	var ts []Template
	err := c.do(ctx, http.MethodGet, "/templates", url.Values{"community": {community}}, nil, &ts)
	return ts, err
}

type CreateCampaignReq struct {
	Community    string     `json:"community"`
	Title        string     `json:"title"`
	TemplateID   string     `json:"template_id"`
	AudienceRole string     `json:"audience_role"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
}

func (c *Client) CreateCampaign(ctx context.Context, req CreateCampaignReq) (Campaign, error) {
	var cmp Campaign
	err := c.do(ctx, http.MethodPost, "/campaigns", nil, req, &cmp)
	return cmp, err
}

func (c *Client) ListCampaigns(ctx context.Context, community string) ([]Campaign, error) {
	var cs []Campaign
	err := c.do(ctx, http.MethodGet, "/campaigns", url.Values{"community": {community}}, nil, &cs)
	return cs, err
}

type CampaignDetails struct {
	Campaign
	Stats CampaignStats `json:"stats"`
}

func (c *Client) GetCampaign(ctx context.Context, id string) (CampaignDetails, error) {
	var d CampaignDetails
	err := c.do(ctx, http.MethodGet, "/campaigns/"+id, nil, nil, &d)
	return d, err
}

func (c *Client) ListFailedDeliveries(ctx context.Context, community, campaignID string) ([]Delivery, error) {
	q := url.Values{"community": {community}}
	if campaignID != "" {
		q.Set("campaign_id", campaignID)
	}
	var ds []Delivery
	err := c.do(ctx, http.MethodGet, "/deliveries/failed", q, nil, &ds)
	return ds, err
}

func (c *Client) RetryDelivery(ctx context.Context, id string) (Delivery, error) {
	var d Delivery
	err := c.do(ctx, http.MethodPost, "/deliveries/"+id+"/retry", nil, nil, &d)
	return d, err
}

func (c *Client) RetryCampaign(ctx context.Context, id string) (RetryReceipt, error) {
	var r RetryReceipt
	err := c.do(ctx, http.MethodPost, "/campaigns/"+id+"/retry", nil, nil, &r)
	return r, err
}
