// ABOUTME: Versioned collection and index declarations for the chat store
// ABOUTME: Each index records the schema version that introduced it

package store

// Keyspace prefixes. Index prefixes are stable across schema versions.
const (
	prefixMeta     = uint32(10)
	prefixSequence = uint32(11)

	prefixProjects      = uint32(1000)
	prefixThreads       = uint32(2000)
	prefixMessages      = uint32(3000)
	prefixSearchTokens  = uint32(4000)
	prefixSearchHistory = uint32(5000)
)

// Collection names.
const (
	CollProjects      = "projects"
	CollThreads       = "threads"
	CollMessages      = "messages"
	CollSearchTokens  = "searchTokens"
	CollSearchHistory = "searchHistory"
)

// Index names. Compound indexes are written [a+b]; multi-entry ones *field.
const (
	IdxStatus               = "status"
	IdxUpdatedAt            = "updatedAt"
	IdxCreatedAt            = "createdAt"
	IdxName                 = "name"
	IdxStatusUpdatedAt      = "[status+updatedAt]"
	IdxProjectID            = "projectId"
	IdxLastMessageAt        = "lastMessageAt"
	IdxProjectStatus        = "[projectId+status]"
	IdxProjectLastMessageAt = "[projectId+lastMessageAt]"
	IdxThreadID             = "threadId"
	IdxRole                 = "role"
	IdxModel                = "model"
	IdxTokensUsed           = "tokensUsed"
	IdxCost                 = "cost"
	IdxThreadCreatedAt      = "[threadId+createdAt]"
	IdxProjectCreatedAt     = "[projectId+createdAt]"
	IdxType                 = "type"
	IdxReferenceID          = "referenceId"
	IdxTokens               = "*tokens"
	IdxTypeReference        = "[type+referenceId]"
	IdxQuery                = "query"
	IdxTimestamp            = "timestamp"
)

// Record field positions. Position 0 holds the record format.
const (
	projName = 1 + iota
	projContext
	projStatus
	projCreatedAt
	projUpdatedAt
)

const (
	thrProjectID = 1 + iota
	thrTitle
	thrTitleEdited
	thrStatus
	thrCreatedAt
	thrUpdatedAt
	thrLastMessageAt
	thrLastMessageContent
	thrLastMessageID
)

const (
	msgThreadID = 1 + iota
	msgProjectID
	msgContent
	msgRole
	msgStatus
	msgModel
	msgModelParams
	msgProviderMeta
	msgAttachments
	msgTokensUsed
	msgCost
	msgCreatedAt
)

const (
	tokTokens = 1 + iota
	tokType
	tokReferenceID
	tokCreatedAt
)

const (
	histQuery = 1 + iota
	histTimestamp
	histThreadID
	histProjectID
	histResultCount
)

// IndexDef declares a secondary index over record fields.
type IndexDef struct {
	Name   string
	Prefix uint32
	Fields []int
	// Multi indexes every element of a list field separately.
	Multi bool
	Since int
}

// CollectionDef declares a collection and all indexes it ever had.
type CollectionDef struct {
	Name    string
	Prefix  uint32
	Since   int
	Indexes []IndexDef
}

// Schema is an ordered set of collections evaluated at a version.
type Schema struct {
	Version     int
	Collections []CollectionDef
}

// LatestVersion is the schema version new files are written with.
const LatestVersion = 4

// ChatSchema returns the schema at LatestVersion.
//
//	v1  base collections and single-field indexes
//	v2  token multi-entry index, usage rollup indexes, name/createdAt
//	v3  compound indexes
//	v4  search history
func ChatSchema() Schema {
	return Schema{Version: LatestVersion, Collections: []CollectionDef{
		{Name: CollProjects, Prefix: prefixProjects, Since: 1, Indexes: []IndexDef{
			{Name: IdxStatus, Prefix: 1001, Fields: []int{projStatus}, Since: 1},
			{Name: IdxUpdatedAt, Prefix: 1002, Fields: []int{projUpdatedAt}, Since: 1},
			{Name: IdxName, Prefix: 1003, Fields: []int{projName}, Since: 2},
			{Name: IdxCreatedAt, Prefix: 1004, Fields: []int{projCreatedAt}, Since: 2},
			{Name: IdxStatusUpdatedAt, Prefix: 1010, Fields: []int{projStatus, projUpdatedAt}, Since: 3},
		}},
		{Name: CollThreads, Prefix: prefixThreads, Since: 1, Indexes: []IndexDef{
			{Name: IdxProjectID, Prefix: 2001, Fields: []int{thrProjectID}, Since: 1},
			{Name: IdxStatus, Prefix: 2002, Fields: []int{thrStatus}, Since: 1},
			{Name: IdxUpdatedAt, Prefix: 2003, Fields: []int{thrUpdatedAt}, Since: 1},
			{Name: IdxLastMessageAt, Prefix: 2004, Fields: []int{thrLastMessageAt}, Since: 1},
			{Name: IdxCreatedAt, Prefix: 2005, Fields: []int{thrCreatedAt}, Since: 2},
			{Name: IdxProjectStatus, Prefix: 2010, Fields: []int{thrProjectID, thrStatus}, Since: 3},
			{Name: IdxProjectLastMessageAt, Prefix: 2011, Fields: []int{thrProjectID, thrLastMessageAt}, Since: 3},
		}},
		{Name: CollMessages, Prefix: prefixMessages, Since: 1, Indexes: []IndexDef{
			{Name: IdxThreadID, Prefix: 3001, Fields: []int{msgThreadID}, Since: 1},
			{Name: IdxProjectID, Prefix: 3002, Fields: []int{msgProjectID}, Since: 1},
			{Name: IdxRole, Prefix: 3003, Fields: []int{msgRole}, Since: 1},
			{Name: IdxStatus, Prefix: 3004, Fields: []int{msgStatus}, Since: 1},
			{Name: IdxCreatedAt, Prefix: 3005, Fields: []int{msgCreatedAt}, Since: 1},
			{Name: IdxModel, Prefix: 3006, Fields: []int{msgModel}, Since: 1},
			{Name: IdxTokensUsed, Prefix: 3007, Fields: []int{msgTokensUsed}, Since: 2},
			{Name: IdxCost, Prefix: 3008, Fields: []int{msgCost}, Since: 2},
			{Name: IdxThreadCreatedAt, Prefix: 3010, Fields: []int{msgThreadID, msgCreatedAt}, Since: 3},
			{Name: IdxProjectCreatedAt, Prefix: 3011, Fields: []int{msgProjectID, msgCreatedAt}, Since: 3},
		}},
		{Name: CollSearchTokens, Prefix: prefixSearchTokens, Since: 1, Indexes: []IndexDef{
			{Name: IdxType, Prefix: 4001, Fields: []int{tokType}, Since: 1},
			{Name: IdxReferenceID, Prefix: 4002, Fields: []int{tokReferenceID}, Since: 1},
			{Name: IdxCreatedAt, Prefix: 4003, Fields: []int{tokCreatedAt}, Since: 1},
			{Name: IdxTokens, Prefix: 4004, Fields: []int{tokTokens}, Multi: true, Since: 2},
			{Name: IdxTypeReference, Prefix: 4010, Fields: []int{tokType, tokReferenceID}, Since: 3},
		}},
		{Name: CollSearchHistory, Prefix: prefixSearchHistory, Since: 4, Indexes: []IndexDef{
			{Name: IdxQuery, Prefix: 5001, Fields: []int{histQuery}, Since: 4},
			{Name: IdxTimestamp, Prefix: 5002, Fields: []int{histTimestamp}, Since: 4},
		}},
	}}
}

// At returns the schema as it was at version v.
func (s Schema) At(v int) Schema {
	out := Schema{Version: v}
	for _, c := range s.Collections {
		if c.Since > v {
			continue
		}
		cc := c
		cc.Indexes = nil
		for _, idx := range c.Indexes {
			if idx.Since <= v {
				cc.Indexes = append(cc.Indexes, idx)
			}
		}
		out.Collections = append(out.Collections, cc)
	}
	return out
}

func (s Schema) collection(name string) (*CollectionDef, bool) {
	for i := range s.Collections {
		if s.Collections[i].Name == name {
			return &s.Collections[i], true
		}
	}
	return nil, false
}

func (c *CollectionDef) index(name string) (*IndexDef, bool) {
	for i := range c.Indexes {
		if c.Indexes[i].Name == name {
			return &c.Indexes[i], true
		}
	}
	return nil, false
}
