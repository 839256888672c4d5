package storage

// Layer identifies one of the medallion layers a (source, stream) pair
// projects into. Each layer has a fixed schema and a table-name suffix.
type Layer string

// Medallion layers.
const (
	LayerRaw       Layer = "raw"
	LayerValidated Layer = "validated"
	LayerBusiness  Layer = "business"
	LayerDeduped   Layer = "deduped"
	LayerCDC       Layer = "cdc"
)

// Layer schemas. Raw lands in explore, typed layers in chart, and the
// SCD2 business layer in navigate.
const (
	SchemaExplore  = "explore"
	SchemaChart    = "chart"
	SchemaNavigate = "navigate"
)

// Schema returns the fixed schema name the layer's tables live in.
func (l Layer) Schema() string {
	switch l {
	case LayerRaw:
		return SchemaExplore
	case LayerBusiness:
		return SchemaNavigate
	default:
		return SchemaChart
	}
}

// TableName computes the physical table name for a (source, stream, layer)
// triple: `<source>_<stream>_<suffix>` with every non-alphanumeric character
// replaced by underscore, lowercased, and prefixed with an underscore when
// the first character is a digit.
func TableName(sourceID, stream string, layer Layer) string {
	return sanitizeIdentifier(sourceID + "_" + stream + "_" + string(layer))
}

// QualifiedTableName returns the schema-qualified, quoted table reference
// for use in SQL statements.
func QualifiedTableName(sourceID, stream string, layer Layer) string {
	return layer.Schema() + "." + quoteIdentifier(TableName(sourceID, stream, layer))
}

// SanitizeColumn applies the identifier sanitization rule to a record field
// name so inferred columns are always valid PostgreSQL identifiers.
func SanitizeColumn(name string) string {
	return sanitizeIdentifier(name)
}

// surrogateColumn picks the name of a table's autogenerated key. Records
// routinely carry their own id field; when the inferred columns claim that
// name the surrogate steps aside.
func surrogateColumn(columns []Column) string {
	for _, c := range columns {
		if c.Name == "id" {
			return "_row_id"
		}
	}

	return "id"
}

// sanitizeIdentifier lowercases, maps non-alphanumerics to underscore, and
// guards a leading digit with an underscore prefix.
func sanitizeIdentifier(s string) string {
	if s == "" {
		return "_"
	}

	out := make([]byte, 0, len(s)+1)

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, '_')
		}
	}

	if out[0] >= '0' && out[0] <= '9' {
		out = append([]byte{'_'}, out...)
	}

	return string(out)
}

// quoteIdentifier double-quotes an identifier for safe interpolation into
// DDL and DML built from inferred names.
func quoteIdentifier(s string) string {
	quoted := make([]byte, 0, len(s)+2)
	quoted = append(quoted, '"')

	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			quoted = append(quoted, '"', '"')

			continue
		}

		quoted = append(quoted, s[i])
	}

	return string(append(quoted, '"'))
}
