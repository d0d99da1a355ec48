package classifier

// Laughter subtree of the AudioSet ontology as indexed by the model's
// class map. Distinct subtypes detected at the same instant are
// independent detections, never duplicates of each other.
var Classes = map[int]string{
	13: "Laughter",
	14: "Baby laughter",
	15: "Giggle",
	16: "Snicker",
	17: "Belly laugh",
	18: "Chuckle, chortle",
}

// ClassName resolves a class ID to its label, or "unknown".
func ClassName(id int) string {
	if name, ok := Classes[id]; ok {
		return name
	}
	return "unknown"
}

// KnownClass reports whether id belongs to the laughter subtree.
func KnownClass(id int) bool {
	_, ok := Classes[id]
	return ok
}
