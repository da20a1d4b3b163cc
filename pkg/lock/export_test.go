package lock

var Reclaim = reclaim
