package warehouse

import (
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/imaginglake/backend/internal/faults"
)

// searchField maps a public search key to either a top-level column or a
// metadata JSON path. Keys outside this allow-list fail with 400.
type searchField struct {
	column   string
	jsonPath string
}

var searchFields = map[string]searchField{
	"id":      {column: "id"},
	"path":    {column: "path"},
	"version": {column: "version"},

	"PatientID":         {jsonPath: "PatientID"},
	"PatientName":       {jsonPath: "PatientName"},
	"StudyInstanceUID":  {jsonPath: "StudyInstanceUID"},
	"SeriesInstanceUID": {jsonPath: "SeriesInstanceUID"},
	"SOPInstanceUID":    {jsonPath: "SOPInstanceUID"},
	"SOPClassUID":       {jsonPath: "SOPClassUID"},
	"Modality":          {jsonPath: "Modality"},
	"StudyDate":         {jsonPath: "StudyDate"},
	"StudyDescription":  {jsonPath: "StudyDescription"},
	"SeriesDescription": {jsonPath: "SeriesDescription"},
	"AccessionNumber":   {jsonPath: "AccessionNumber"},
}

// SearchKeys lists the supported search keys, sorted, for error messages.
func SearchKeys() []string {
	keys := make([]string, 0, len(searchFields))
	for k := range searchFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func searchPredicate(key string) (string, error) {
	f, ok := searchFields[key]
	if !ok {
		return "", &faults.Fault{
			Kind:   faults.KindBadSchema,
			Status: 400,
			Err:    fmt.Errorf("unsupported search key %q (supported: %s)", key, strings.Join(SearchKeys(), ", ")),
		}
	}
	if f.column != "" {
		return f.column + " = @value", nil
	}
	if err := ValidateJSONPath(f.jsonPath); err != nil {
		return "", err
	}
	return "JSON_VALUE(metadata, '$." + f.jsonPath + "') = @value", nil
}

// latestCTE is the read projection: one row per (path, version), most recent
// timestamp wins. Instance views additionally require non-null metadata so
// delete/archive observations and raw archive rows do not surface.
func latestCTE(table string) string {
	return "WITH latest AS (\n" +
		"  SELECT *, ROW_NUMBER() OVER (PARTITION BY path, version ORDER BY timestamp DESC) AS rn\n" +
		"  FROM " + table + "\n" +
		")\n"
}

// Query couples a SQL template with its bound parameters.
type Query struct {
	SQL    string
	Params []bigquery.QueryParameter
}

func buildInstanceSearch(table, key, value string, limit, offset int) (Query, error) {
	pred, err := searchPredicate(key)
	if err != nil {
		return Query{}, err
	}
	sql := latestCTE(table) +
		"SELECT id, timestamp, path, version, info, metadata, embeddingVector\n" +
		"FROM latest\n" +
		"WHERE rn = 1 AND metadata IS NOT NULL AND " + pred + "\n" +
		"ORDER BY timestamp DESC\n" +
		"LIMIT @limit OFFSET @offset"
	return Query{SQL: sql, Params: []bigquery.QueryParameter{
		{Name: "value", Value: value},
		{Name: "limit", Value: int64(limit)},
		{Name: "offset", Value: int64(offset)},
	}}, nil
}

func buildInstanceCount(table, key, value string) (Query, error) {
	pred, err := searchPredicate(key)
	if err != nil {
		return Query{}, err
	}
	sql := latestCTE(table) +
		"SELECT COUNT(*) AS total\n" +
		"FROM latest\n" +
		"WHERE rn = 1 AND metadata IS NOT NULL AND " + pred
	return Query{SQL: sql, Params: []bigquery.QueryParameter{{Name: "value", Value: value}}}, nil
}

func buildStudySearch(table, key, value string, limit, offset int) (Query, error) {
	pred, err := searchPredicate(key)
	if err != nil {
		return Query{}, err
	}
	sql := latestCTE(table) +
		"SELECT\n" +
		"  JSON_VALUE(metadata, '$.StudyInstanceUID') AS studyInstanceUID,\n" +
		"  ANY_VALUE(JSON_VALUE(metadata, '$.PatientID')) AS patientID,\n" +
		"  ANY_VALUE(JSON_VALUE(metadata, '$.PatientName')) AS patientName,\n" +
		"  ANY_VALUE(JSON_VALUE(metadata, '$.StudyDate')) AS studyDate,\n" +
		"  ANY_VALUE(JSON_VALUE(metadata, '$.StudyDescription')) AS studyDescription,\n" +
		"  COUNT(DISTINCT JSON_VALUE(metadata, '$.SeriesInstanceUID')) AS seriesCount,\n" +
		"  COUNT(*) AS instanceCount,\n" +
		"  MAX(timestamp) AS lastIngested\n" +
		"FROM latest\n" +
		"WHERE rn = 1 AND metadata IS NOT NULL AND " + pred + "\n" +
		"  AND JSON_VALUE(metadata, '$.StudyInstanceUID') IS NOT NULL\n" +
		"GROUP BY studyInstanceUID\n" +
		"ORDER BY lastIngested DESC\n" +
		"LIMIT @limit OFFSET @offset"
	return Query{SQL: sql, Params: []bigquery.QueryParameter{
		{Name: "value", Value: value},
		{Name: "limit", Value: int64(limit)},
		{Name: "offset", Value: int64(offset)},
	}}, nil
}

func buildStudyCount(table, key, value string) (Query, error) {
	pred, err := searchPredicate(key)
	if err != nil {
		return Query{}, err
	}
	sql := latestCTE(table) +
		"SELECT COUNT(DISTINCT JSON_VALUE(metadata, '$.StudyInstanceUID')) AS total\n" +
		"FROM latest\n" +
		"WHERE rn = 1 AND metadata IS NOT NULL AND " + pred
	return Query{SQL: sql, Params: []bigquery.QueryParameter{{Name: "value", Value: value}}}, nil
}

func buildStudyInstances(table, studyUID string) Query {
	sql := latestCTE(table) +
		"SELECT id, timestamp, path, version, info, metadata, embeddingVector\n" +
		"FROM latest\n" +
		"WHERE rn = 1 AND metadata IS NOT NULL\n" +
		"  AND JSON_VALUE(metadata, '$.StudyInstanceUID') = @study\n" +
		"ORDER BY timestamp DESC"
	return Query{SQL: sql, Params: []bigquery.QueryParameter{{Name: "study", Value: studyUID}}}
}

func buildInstanceByID(table, id string) Query {
	sql := latestCTE(table) +
		"SELECT id, timestamp, path, version, info, metadata, embeddingVector\n" +
		"FROM latest\n" +
		"WHERE rn = 1 AND id = @id\n" +
		"LIMIT 1"
	return Query{SQL: sql, Params: []bigquery.QueryParameter{{Name: "id", Value: id}}}
}

func buildInstanceByUIDs(table, studyUID, seriesUID, sopUID string) Query {
	sql := latestCTE(table) +
		"SELECT id, timestamp, path, version, info, metadata, embeddingVector\n" +
		"FROM latest\n" +
		"WHERE rn = 1 AND metadata IS NOT NULL\n" +
		"  AND JSON_VALUE(metadata, '$.StudyInstanceUID') = @study\n" +
		"  AND JSON_VALUE(metadata, '$.SeriesInstanceUID') = @series\n" +
		"  AND JSON_VALUE(metadata, '$.SOPInstanceUID') = @sop\n" +
		"LIMIT 1"
	return Query{SQL: sql, Params: []bigquery.QueryParameter{
		{Name: "study", Value: studyUID},
		{Name: "series", Value: seriesUID},
		{Name: "sop", Value: sopUID},
	}}
}

func buildInstancesByPathPrefix(table, prefix string) Query {
	sql := latestCTE(table) +
		"SELECT id, timestamp, path, version, info, metadata, embeddingVector\n" +
		"FROM latest\n" +
		"WHERE rn = 1 AND STARTS_WITH(path, @prefix)\n" +
		"ORDER BY timestamp DESC"
	return Query{SQL: sql, Params: []bigquery.QueryParameter{{Name: "prefix", Value: prefix}}}
}

func buildDeleteInstances(table string, ids []string) Query {
	sql := "DELETE FROM " + table + " WHERE id IN UNNEST(@ids)"
	return Query{SQL: sql, Params: []bigquery.QueryParameter{{Name: "ids", Value: ids}}}
}

func buildDeleteStudies(table string, studyUIDs []string) Query {
	sql := "DELETE FROM " + table +
		" WHERE JSON_VALUE(metadata, '$.StudyInstanceUID') IN UNNEST(@studies)"
	return Query{SQL: sql, Params: []bigquery.QueryParameter{{Name: "studies", Value: studyUIDs}}}
}
