package models_test

import (
	"testing"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestPayloadValue(t *testing.T) {
	var empty models.Payload
	v, err := empty.Value()
	assert.NoError(t, err)
	assert.Nil(t, v, "nil payload maps to SQL NULL")

	p := models.Payload{"exit_code": 0, "log": "done"}
	v, err = p.Value()
	assert.NoError(t, err)
	assert.IsType(t, []byte{}, v)
	assert.Contains(t, string(v.([]byte)), "exit_code")
}

func TestPayloadScan(t *testing.T) {
	var p models.Payload
	assert.NoError(t, p.Scan([]byte(`{"files": 3, "ok": true}`)))
	assert.Equal(t, float64(3), p["files"])
	assert.Equal(t, true, p["ok"])

	var fromString models.Payload
	assert.NoError(t, fromString.Scan(`{"k": "v"}`))
	assert.Equal(t, "v", fromString["k"])

	var fromNil models.Payload
	assert.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	var bad models.Payload
	assert.Error(t, bad.Scan(42))
}
