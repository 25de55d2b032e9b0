package od

import (
	"fmt"
	"regexp"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Index & subindex section matching, a subindex section looks like [1200sub1]
var (
	matchIdxRegExp    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)
)

// Parse creates an OD from an EDS file.
// file can be either a path, an *os.File, or []byte.
// $NODEID expressions in default values are resolved with the given nodeId.
func Parse(file any, nodeId uint8) (*ObjectDictionary, error) {
	odict := NewOD()
	edsFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	for _, section := range edsFile.Sections() {
		sectionName := section.Name()

		// Match indexes : this adds new entries to the dictionary
		if matchIdxRegExp.MatchString(sectionName) {
			idx, err := strconv.ParseUint(sectionName, 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			name := section.Key("ParameterName").String()
			objType, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
			objectType := uint8(objType)
			// If no object type, default to VAR (CiA spec)
			if err != nil {
				objectType = ObjectTypeVAR
			}

			switch objectType {
			case ObjectTypeVAR, ObjectTypeDOMAIN:
				variable, err := NewVariableFromSection(section, name, nodeId, index, 0)
				if err != nil {
					return nil, err
				}
				odict.addVariable(index, variable)
			case ObjectTypeARRAY:
				subNumber, err := strconv.ParseUint(section.Key("SubNumber").Value(), 0, 8)
				if err != nil {
					return nil, err
				}
				odict.AddVariableList(index, name, NewArray(uint8(subNumber)))
			case ObjectTypeRECORD:
				odict.AddVariableList(index, name, NewRecord())
			default:
				return nil, fmt.Errorf("unknown object type %v whilst parsing EDS", objectType)
			}
			log.Debugf("[OD] adding %v | %v at x%x", ObjectTypeName[objectType], name, index)
			continue
		}

		// Match subindexes, add the subindex values to Record or Array objects
		if matchSubidxRegExp.MatchString(sectionName) {
			idx, err := strconv.ParseUint(sectionName[0:4], 16, 16)
			if err != nil {
				return nil, err
			}
			// Subindex part is from the 7th letter onwards
			sidx, err := strconv.ParseUint(sectionName[7:], 16, 8)
			if err != nil {
				return nil, err
			}
			name := section.Key("ParameterName").String()
			entry := odict.Index(uint16(idx))
			if entry == nil {
				return nil, fmt.Errorf("subindex section x%x found before its index", idx)
			}
			err = entry.addSectionMember(section, name, nodeId, uint8(sidx))
			if err != nil {
				return nil, err
			}
		}
	}
	return odict, nil
}

// ParseEDSFromFile creates an OD from a given EDS file path on system
func ParseEDSFromFile(filePath string, nodeId uint8) (*ObjectDictionary, error) {
	odict, err := Parse(filePath, nodeId)
	if err != nil {
		return nil, err
	}
	odict.filePath = filePath
	return odict, nil
}
