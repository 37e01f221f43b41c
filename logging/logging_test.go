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

package logging_test

import (
	"encoding/json"
	"testing"

	"github.com/mailgun/herald/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevelJSON(t *testing.T) {
	var ll logging.LogLevelJSON
	require.NoError(t, json.Unmarshal([]byte(`"warn"`), &ll))
	assert.Equal(t, logrus.WarnLevel, ll.Level)

	require.NoError(t, json.Unmarshal([]byte(`5`), &ll))
	assert.Equal(t, logrus.DebugLevel, ll.Level)

	b, err := json.Marshal(ll)
	require.NoError(t, err)
	assert.Equal(t, `"debug"`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`true`), &ll))
	assert.Error(t, json.Unmarshal([]byte(`"loud"`), &ll))
}

func TestFormatter(t *testing.T) {
	f, err := logging.Formatter("json")
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, f)

	f, err = logging.Formatter("")
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, f)

	_, err = logging.Formatter("xml")
	assert.Error(t, err)
}
