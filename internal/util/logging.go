// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging routes logrus output to w at the given level. "off" (or
// an empty level) discards all output.
func ConfigureLogging(level string, w io.Writer) error {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "off", "none":
		log.SetOutput(io.Discard)
		log.SetLevel(log.PanicLevel)
		return nil
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetOutput(io.Discard)
		return fmt.Errorf("unknown log level %q", level)
	}
	log.SetOutput(w)
	return nil
}
