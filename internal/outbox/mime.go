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

package outbox

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

const defaultContentType = "application/octet-stream"

type attachmentPart struct {
	name        string
	contentType string
	data        []byte
}

func readHeader(raw []byte) (textproto.Header, *bufio.Reader, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, errors.Wrap(err, "reading message header")
	}
	return h, br, nil
}

// inReplyTo returns the In-Reply-To header of raw, or "".
func inReplyTo(raw []byte) string {
	h, _, err := readHeader(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(h.Get("In-Reply-To"))
}

// assemble returns the message to transmit: raw with a User-Agent
// header and atts added as the last parts of its top-level multipart
// body.  The existing bytes of raw are kept as they are.
func assemble(raw []byte, userAgent string, atts []attachmentPart) ([]byte, error) {
	h, br, err := readHeader(raw)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	if len(atts) > 0 {
		if body, err = appendParts(h, body, atts); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, errors.Wrap(err, "writing message header")
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

func appendParts(h textproto.Header, body []byte, atts []attachmentPart) ([]byte, error) {
	mh := mail.Header{}
	mh.Header.Header = h
	mediaType, params, err := mh.ContentType()
	if err != nil {
		return nil, errors.Wrap(err, "parsing Content-Type")
	}
	boundary := params["boundary"]
	if !strings.HasPrefix(mediaType, "multipart/") || boundary == "" {
		return nil, fmt.Errorf("cannot attach %d file(s) to a %s message", len(atts), mediaType)
	}
	end := bytes.LastIndex(body, []byte("--"+boundary+"--"))
	if end < 0 {
		return nil, fmt.Errorf("multipart body has no closing delimiter")
	}

	var parts bytes.Buffer
	for _, a := range atts {
		fmt.Fprintf(&parts, "--%s\r\n", boundary)
		if err := writeAttachment(&parts, a); err != nil {
			return nil, errors.Wrapf(err, "attaching %q", a.name)
		}
		parts.WriteString("\r\n")
	}
	out := make([]byte, 0, len(body)+parts.Len())
	out = append(out, body[:end]...)
	out = append(out, parts.Bytes()...)
	return append(out, body[end:]...), nil
}

func writeAttachment(w io.Writer, a attachmentPart) error {
	ct := a.contentType
	if ct == "" {
		ct = defaultContentType
	}
	var h mail.AttachmentHeader
	h.Set("Content-Type", ct)
	h.SetFilename(a.name)
	// message/* parts may only use an identity encoding.
	if strings.HasPrefix(strings.ToLower(ct), "message/") {
		h.Set("Content-Transfer-Encoding", "8bit")
	} else {
		h.Set("Content-Transfer-Encoding", "base64")
	}
	pw, err := gomessage.CreateWriter(w, h.Header)
	if err != nil {
		return err
	}
	if _, err := pw.Write(a.data); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}
