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
	"context"
	"log"
	"net"
	"time"
)

// DialCheck reports the network as online when a TCP connection to Addr
// can be opened within Timeout.
type DialCheck struct {
	Addr    string
	Timeout time.Duration
}

func (c *DialCheck) Online(ctx context.Context) bool {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		log.Printf("outbox: %s unreachable: %v", c.Addr, err)
		return false
	}
	conn.Close()
	return true
}
