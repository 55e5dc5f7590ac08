// Package devicestate is the cache of gateway status, device config,
// gateway/device relationships and live input values.
//
// Keys live in five namespaces of a cache.Store:
//
//	status:<gateway>  ONLINE or OFFLINE
//	config:<device>   device config JSON
//	rel:<gateway>     devices under the gateway, oldest first, capped
//	parent:<device>   the gateway the device is listed under
//	live:<device>     input name -> {"value", "ts", "quality"}
//
// A gateway going OFFLINE gives its own keys and the keys of every device
// under it one shared deadline (7 days by default). Data of a gateway that
// never comes back removes itself; a gateway that returns clears its own
// deadlines and each device is refreshed by its next write.
package devicestate
