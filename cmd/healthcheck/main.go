/*
Copyright 2023 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Exits non-zero unless the daemon answers its health check. A `degraded`
// daemon still serves requests and counts as healthy.
func main() {
	addr := os.Getenv("HERALD_HTTP_ADDRESS")
	if addr == "" {
		addr = "localhost:8080"
	}
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/v1/health", addr))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var hc struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hc); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if hc.Status != "ok" && hc.Status != "degraded" {
		os.Exit(2)
	}
}
