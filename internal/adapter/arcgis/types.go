package arcgis

import "encoding/json"

type catalogDoc struct {
	Services []serviceEntry `json:"services"`
	Folders  []string       `json:"folders"`
}

type serviceEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type serviceDoc struct {
	ServiceItemID  string       `json:"serviceItemId"`
	MaxRecordCount int          `json:"maxRecordCount"`
	Layers         []layerEntry `json:"layers"`
}

type layerEntry struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type spatialReference struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid"`
}

type extentDoc struct {
	XMin             float64          `json:"xmin"`
	YMin             float64          `json:"ymin"`
	XMax             float64          `json:"xmax"`
	YMax             float64          `json:"ymax"`
	SpatialReference spatialReference `json:"spatialReference"`
}

type fieldDoc struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type editingInfo struct {
	LastEditDate int64 `json:"lastEditDate"`
}

type layerDoc struct {
	ID             json.Number  `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	GeometryType   string       `json:"geometryType"`
	CopyrightText  string       `json:"copyrightText"`
	MaxRecordCount int          `json:"maxRecordCount"`
	Extent         *extentDoc   `json:"extent"`
	Fields         []fieldDoc   `json:"fields"`
	EditingInfo    *editingInfo `json:"editingInfo"`
}

type countDoc struct {
	Count int64 `json:"count"`
}

type pageDoc struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

type statsDoc struct {
	Features []struct {
		Attributes map[string]json.Number `json:"attributes"`
	} `json:"features"`
}
