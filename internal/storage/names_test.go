package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		sourceID string
		stream   string
		layer    Layer
		want     string
	}{
		{
			name:     "plain identifiers",
			sourceID: "salesforce",
			stream:   "users",
			layer:    LayerRaw,
			want:     "salesforce_users_raw",
		},
		{
			name:     "uppercase is lowered",
			sourceID: "SalesForce",
			stream:   "Users",
			layer:    LayerValidated,
			want:     "salesforce_users_validated",
		},
		{
			name:     "symbols become underscores",
			sourceID: "my-source.v2",
			stream:   "user events!",
			layer:    LayerBusiness,
			want:     "my_source_v2_user_events__business",
		},
		{
			name:     "leading digit gains prefix",
			sourceID: "42crm",
			stream:   "orders",
			layer:    LayerDeduped,
			want:     "_42crm_orders_deduped",
		},
		{
			name:     "cdc suffix",
			sourceID: "pg",
			stream:   "accounts",
			layer:    LayerCDC,
			want:     "pg_accounts_cdc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TableName(tt.sourceID, tt.stream, tt.layer))
		})
	}
}

func TestLayerSchemas(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, SchemaExplore, LayerRaw.Schema())
	assert.Equal(t, SchemaChart, LayerValidated.Schema())
	assert.Equal(t, SchemaChart, LayerDeduped.Schema())
	assert.Equal(t, SchemaChart, LayerCDC.Schema())
	assert.Equal(t, SchemaNavigate, LayerBusiness.Schema())
}

func TestQualifiedTableName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, `explore."salesforce_users_raw"`, QualifiedTableName("salesforce", "users", LayerRaw))
	assert.Equal(t, `navigate."_7shifts_staff_business"`, QualifiedTableName("7shifts", "staff", LayerBusiness))
}

func TestSanitizeColumn(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "updated_at", SanitizeColumn("updated_at"))
	assert.Equal(t, "first_name", SanitizeColumn("First Name"))
	assert.Equal(t, "_1st_column", SanitizeColumn("1st column"))
	assert.Equal(t, "_", SanitizeColumn(""))
}
