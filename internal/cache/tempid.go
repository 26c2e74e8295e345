package cache

// Placeholder identities are negative ids minted per table. An item
// keeps its placeholder as in-memory identity forever; once the store
// assigns a real id the table records the correspondence both ways and
// fires any resolve callbacks, so lookups by store id land on the same
// item.

// mintTemp returns the next unused placeholder id for this table.
func (t *tableCache) mintTemp() int64 {
	t.nextTemp--
	return t.nextTemp
}

// localID maps a store id onto the local identity space. Ids with no
// recorded correspondence map onto themselves.
func (t *tableCache) localID(id int64) int64 {
	if local, ok := t.dbToLocal[id]; ok {
		return local
	}
	return id
}

// dbID translates a local identity into a store id. Unresolved
// placeholders have none.
func (t *tableCache) dbID(local int64) (int64, bool) {
	if local > 0 {
		return local, true
	}
	db, ok := t.tempToDB[local]
	return db, ok
}

// resolveTemp records the store identity assigned to a placeholder and
// fires the callbacks waiting on it.
func (t *tableCache) resolveTemp(tempID, dbID int64) {
	t.dbToLocal[dbID] = tempID
	t.tempToDB[tempID] = dbID
	for _, fn := range t.resolveCallbacks[tempID] {
		fn(dbID)
	}
	delete(t.resolveCallbacks, tempID)
}

// unresolveTemp drops a placeholder's pending callbacks when the item
// is evicted on rollback.
func (t *tableCache) unresolveTemp(tempID int64) {
	delete(t.resolveCallbacks, tempID)
}
