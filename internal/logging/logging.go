/*
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

// Package logging constructs the process-wide zap logger and the logr
// adapter used by collaborators that prefer the logr interface.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger in production (JSON) or development (console)
// mode, and the equivalent logr.Logger wrapping it.
func New(development bool) (*zap.Logger, logr.Logger) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zl, err := cfg.Build()
	if err != nil {
		// Building the logger itself cannot fail with the static configs above;
		// fall back to a no-op logger rather than panic the process.
		zl = zap.NewNop()
	}
	return zl, zapr.NewLogger(zl)
}
