// Package crm talks to the CRM REST API to enrich incoming lead events
// with contact, company and responsible-user details.
package crm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/oknaservice/dispatch_backend/config"
)

const moduleName = "CRM"

type Client struct {
	http                *resty.Client
	measurerFieldId     int
	orderCodeFieldId    int
	deliveryZoneFieldId int
}

// LeadInfo is the assembled view of one lead: the lead itself, its primary
// contact, the responsible user and the company custom fields the dispatch
// policy consumes.
type LeadInfo struct {
	LeadId          int64
	LeadName        string
	ContactName     string
	ContactPhone    string
	ResponsibleUser string
	CompanyName     string
	// DealerMeasurer is the raw value of the company's measurer custom
	// field; it feeds the dealer-binding tier of assignment.
	DealerMeasurer string
	OrderCode      string
	DeliveryZone   string
}

var ErrUnavailable = errors.New("crm unavailable")

func NewClient() *Client {
	c := resty.New().
		SetBaseURL(os.Getenv("CRM_BASE_URL")).
		SetAuthToken(os.Getenv("CRM_ACCESS_TOKEN")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Client{
		http:                c,
		measurerFieldId:     intFromEnv("CRM_MEASURER_FIELD_ID", 0),
		orderCodeFieldId:    intFromEnv("CRM_ORDER_CODE_FIELD_ID", 0),
		deliveryZoneFieldId: intFromEnv("CRM_ZONE_FIELD_ID", 0),
	}
}

type leadResponse struct {
	Id                 int64         `json:"id"`
	Name               string        `json:"name"`
	StatusId           int64         `json:"status_id"`
	ResponsibleUserId  int64         `json:"responsible_user_id"`
	CustomFieldsValues []customField `json:"custom_fields_values"`
	Embedded           struct {
		Companies []struct {
			Id int64 `json:"id"`
		} `json:"companies"`
		Contacts []struct {
			Id int64 `json:"id"`
		} `json:"contacts"`
	} `json:"_embedded"`
}

type companyResponse struct {
	Id                 int64         `json:"id"`
	Name               string        `json:"name"`
	CustomFieldsValues []customField `json:"custom_fields_values"`
}

type contactResponse struct {
	Id                 int64         `json:"id"`
	Name               string        `json:"name"`
	CustomFieldsValues []customField `json:"custom_fields_values"`
}

type userResponse struct {
	Id   int64  `json:"id"`
	Name string `json:"name"`
}

type customField struct {
	FieldId   int    `json:"field_id"`
	FieldCode string `json:"field_code"`
	Values    []struct {
		Value interface{} `json:"value"`
	} `json:"values"`
}

func fieldValue(fields []customField, fieldId int, fieldCode string) string {
	for _, f := range fields {
		if (fieldId != 0 && f.FieldId == fieldId) || (fieldCode != "" && f.FieldCode == fieldCode) {
			if len(f.Values) > 0 {
				return fmt.Sprint(f.Values[0].Value)
			}
		}
	}
	return ""
}

// GetLeadFullInfo assembles lead, contact, company and responsible-user data
// for one lead id. Any failure returns ErrUnavailable; callers degrade to
// assignment without dealer/zone data rather than aborting intake.
func (c *Client) GetLeadFullInfo(ctx context.Context, leadId int64) (*LeadInfo, error) {

	logger := config.GetLogger()

	var lead leadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("with", "contacts,companies").
		SetResult(&lead).
		Get(fmt.Sprintf("/api/v4/leads/%d", leadId))
	if err != nil || resp.IsError() {
		if err == nil {
			err = errors.New(resp.Status())
		}
		config.LogError(logger, moduleName, "GetLeadFullInfo", "lead fetch failed", leadId, err)
		return nil, ErrUnavailable
	}

	info := LeadInfo{
		LeadId:       lead.Id,
		LeadName:     lead.Name,
		OrderCode:    fieldValue(lead.CustomFieldsValues, c.orderCodeFieldId, "ORDER_CODE"),
		DeliveryZone: fieldValue(lead.CustomFieldsValues, c.deliveryZoneFieldId, "DELIVERY_ZONE"),
	}

	if len(lead.Embedded.Companies) > 0 {
		var company companyResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&company).
			Get(fmt.Sprintf("/api/v4/companies/%d", lead.Embedded.Companies[0].Id))
		if err != nil || resp.IsError() {
			if err == nil {
				err = errors.New(resp.Status())
			}
			config.LogError(logger, moduleName, "GetLeadFullInfo", "company fetch failed", leadId, err)
		} else {
			info.CompanyName = company.Name
			info.DealerMeasurer = fieldValue(company.CustomFieldsValues, c.measurerFieldId, "MEASURER")
		}
	}

	if len(lead.Embedded.Contacts) > 0 {
		var contact contactResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&contact).
			Get(fmt.Sprintf("/api/v4/contacts/%d", lead.Embedded.Contacts[0].Id))
		if err != nil || resp.IsError() {
			if err == nil {
				err = errors.New(resp.Status())
			}
			config.LogError(logger, moduleName, "GetLeadFullInfo", "contact fetch failed", leadId, err)
		} else {
			info.ContactName = contact.Name
			info.ContactPhone = fieldValue(contact.CustomFieldsValues, 0, "PHONE")
		}
	}

	if lead.ResponsibleUserId != 0 {
		var user userResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&user).
			Get(fmt.Sprintf("/api/v4/users/%d", lead.ResponsibleUserId))
		if err != nil || resp.IsError() {
			if err == nil {
				err = errors.New(resp.Status())
			}
			config.LogError(logger, moduleName, "GetLeadFullInfo", "responsible user fetch failed", leadId, err)
		} else {
			info.ResponsibleUser = user.Name
		}
	}

	return &info, nil
}

func intFromEnv(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}
