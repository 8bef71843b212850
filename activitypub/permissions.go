package activitypub

import "slices"

var groupCapabilities = Capabilities{
	TypeFollow:   {TypeGroup},
	TypeAccept:   {TypeFollow},
	TypeReject:   {TypeFollow},
	TypeCreate:   {TypeNote, TypeArticle},
	TypeUpdate:   {TypeNote, TypeArticle, TypeGroup},
	TypeDelete:   {TypeNote, TypeArticle, TypeGroup, TypeTombstone},
	TypeAnnounce: {TypeCreate, TypeUpdate, TypeDelete, TypeLike, TypeNote, TypeArticle, TypeOrderedCollection, TypeCollection},
	TypeLike:     {TypeNote, TypeArticle},
	TypeUndo:     {TypeFollow, TypeLike, TypeAnnounce},
}

var organizationCapabilities = Capabilities{
	TypeAccept:   {TypeFollow},
	TypeReject:   {TypeFollow},
	TypeCreate:   {TypeNote, TypeArticle},
	TypeUpdate:   {TypeNote, TypeArticle, TypeOrganization},
	TypeDelete:   {TypeNote, TypeArticle, TypeOrganization, TypeTombstone},
	TypeAnnounce: {TypeCreate, TypeUpdate, TypeDelete, TypeLike, TypeNote, TypeArticle, TypeOrderedCollection, TypeCollection},
}

var applicationCapabilities = Capabilities{
	TypeCreate: {TypeNote, TypeArticle},
	TypeUpdate: {TypeNote, TypeArticle},
	TypeDelete: {TypeNote, TypeArticle},
	TypeLike:   {TypeNote, TypeArticle},
	TypeUndo:   {TypeLike},
}

var personCapabilities = Capabilities{
	TypeFollow: {TypeGroup, TypeOrganization},
	TypeUndo:   {TypeFollow, TypeLike},
	TypeLike:   {TypeNote, TypeArticle},
	TypeUpdate: {TypePerson},
	TypeDelete: {TypePerson},
}

// CanBelongTo reports whether an entity of kind k may be linked to a local model of the given kind.
func CanBelongTo(k Kind, model string) bool {
	if k == nil {
		return false
	}
	return slices.Contains(k.CanBelongTo(), model)
}

// CanPerformActivity reports whether actors of kind k may perform activityType on objectType.
func CanPerformActivity(k ActorKind, activityType, objectType string) bool {
	if k == nil {
		return false
	}
	return slices.Contains(k.Capabilities()[activityType], objectType)
}
