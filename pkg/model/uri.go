// Package model defines the uniform in-memory model for endpoints,
// services and drop-log declarations consumed by the policy agent.
//
// Declarations enter the model from two kinds of sources (a watched
// directory of JSON files and a replicated managed-object inventory) and
// are normalized here into plain records. Cross references between
// records (endpoint to group, service to routing domain) are expressed
// as URI strings rather than pointers, so the object graph stays
// acyclic; consumers join on URI equality.
package model

import (
	"net/url"
	"strings"
)

// Well-known URI roots in the policy model
const (
	PolicyUniverseRoot = "/PolicyUniverse/PolicySpace/"

	epGroupClass       = "GbpEpGroup"
	secGroupClass      = "GbpSecGroup"
	routingDomainClass = "GbpRoutingDomain"
)

// escapeURIElement escapes one path element of a policy URI.
// Alphanumerics and the characters "-._~" pass through unchanged.
func escapeURIElement(elem string) string {
	return url.PathEscape(elem)
}

func buildSpaceURI(space, class, name string) string {
	var sb strings.Builder
	sb.WriteString(PolicyUniverseRoot)
	sb.WriteString(escapeURIElement(space))
	sb.WriteString("/")
	sb.WriteString(class)
	sb.WriteString("/")
	sb.WriteString(escapeURIElement(name))
	sb.WriteString("/")
	return sb.String()
}

// BuildEpGroupURI builds the URI for an endpoint group named within a
// policy space:
//
//	/PolicyUniverse/PolicySpace/<space>/GbpEpGroup/<name>/
func BuildEpGroupURI(space, name string) string {
	return buildSpaceURI(space, epGroupClass, name)
}

// BuildSecGroupURI builds the URI for a security group named within a
// policy space.
func BuildSecGroupURI(space, name string) string {
	return buildSpaceURI(space, secGroupClass, name)
}

// BuildRoutingDomainURI builds the URI for a routing domain named within
// a policy space.
func BuildRoutingDomainURI(space, name string) string {
	return buildSpaceURI(space, routingDomainClass, name)
}
