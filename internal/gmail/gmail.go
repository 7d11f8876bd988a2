// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsPerMessagesSend = 100
	quotaUnitsPerMessagesList = 5
	quotaUnitsPerLabelsList   = 1
	quotaUnitsPerLabelsGet    = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// Retries of a call answered with 429 Too Many Requests.
	maxRateLimitRetries = 5
)

// Service sends mail and looks up threads through the Gmail REST API.
type Service struct {
	service *gmail.Service
	limiter *rate.Limiter
}

// New returns a Service using client, which must add OAuth 2.0
// credentials to requests (see gmailhttp.New).
func New(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l}, nil
}

// do waits for quota and runs call, retrying while the server answers
// 429 Too Many Requests.
func (s *Service) do(ctx context.Context, units int, call func() error) error {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		err := call()
		if err == nil {
			return nil
		}
		if cause, ok := errors.Cause(err).(*googleapi.Error); ok &&
			cause.Code == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			log.Printf("gmail rate limited; retrying (attempt %d)", attempt+1)
			continue
		}
		return err
	}
}

// Send delivers raw, an RFC 5322 message, and returns the new message
// ID.  A non-empty threadID files the message in that thread.  Gmail
// stores the sent message in the Sent label itself.
func (s *Service) Send(ctx context.Context, raw []byte, threadID string) (string, error) {
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: threadID,
	}
	var sent *gmail.Message
	err := s.do(ctx, quotaUnitsPerMessagesSend, func() error {
		var err error
		sent, err = s.service.Users.Messages.Send("me", msg).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "sending message through gmail")
	}
	log.Printf("sent gmail message %s in thread %s", sent.Id, sent.ThreadId)
	return sent.Id, nil
}

// ThreadIDByMessageID returns the thread holding the message with the
// given Message-ID header.  It returns "" unless exactly one message
// matches.
func (s *Service) ThreadIDByMessageID(ctx context.Context, messageID string) (string, error) {
	id := strings.Trim(strings.TrimSpace(messageID), "<>")
	if id == "" {
		return "", nil
	}
	var resp *gmail.ListMessagesResponse
	err := s.do(ctx, quotaUnitsPerMessagesList, func() error {
		var err error
		resp, err = s.service.Users.Messages.List("me").
			Q(fmt.Sprintf("rfc822msgid:%s", id)).
			IncludeSpamTrash(true).
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", errors.Wrapf(err, "looking up thread of %q", id)
	}
	if len(resp.Messages) != 1 {
		return "", nil
	}
	return resp.Messages[0].ThreadId, nil
}

// Labels returns the account's labels as folders with their message
// counts.  System labels map onto the IMAP special-use attributes.
func (s *Service) Labels(ctx context.Context) ([]*message.Folder, error) {
	var resp *gmail.ListLabelsResponse
	err := s.do(ctx, quotaUnitsPerLabelsList, func() error {
		var err error
		resp, err = s.service.Users.Labels.List("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing gmail labels")
	}
	var folders []*message.Folder
	for _, l := range resp.Labels {
		// The list response leaves the counts out.
		var full *gmail.Label
		err := s.do(ctx, quotaUnitsPerLabelsGet, func() error {
			var err error
			full, err = s.service.Users.Labels.Get("me", l.Id).Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "reading gmail label %q", l.Name)
		}
		f := &message.Folder{
			FullName:     l.Name,
			Alias:        l.Id,
			MessageCount: int(full.MessagesTotal),
			UnreadCount:  int(full.MessagesUnread),
		}
		if attr, ok := systemLabelAttrs[l.Id]; ok {
			f.Attributes = []string{attr}
		}
		folders = append(folders, f)
	}
	return folders, nil
}

var systemLabelAttrs = map[string]string{
	"SENT":    `\Sent`,
	"TRASH":   `\Trash`,
	"SPAM":    `\Junk`,
	"DRAFT":   `\Drafts`,
	"STARRED": `\Flagged`,
}
