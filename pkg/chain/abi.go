package chain

// The on-chain surface is fixed (external collaborator): a worker registry
// and a task escrow. ABIs are embedded so the gateway carries no codegen.

const registryABI = `[
	{"type":"function","name":"register","stateMutability":"nonpayable","inputs":[{"name":"metadataPointer","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"workers","stateMutability":"view","inputs":[{"name":"worker","type":"address"}],"outputs":[{"name":"metadataPointer","type":"bytes32"},{"name":"reputation","type":"uint256"},{"name":"isActive","type":"bool"},{"name":"registrationTime","type":"uint256"}]},
	{"type":"function","name":"getAllWorkers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32[]"}]},
	{"type":"function","name":"isWorkerActive","stateMutability":"view","inputs":[{"name":"worker","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"slashReputation","stateMutability":"nonpayable","inputs":[{"name":"worker","type":"address"}],"outputs":[]}
]`

const escrowABI = `[
	{"type":"function","name":"depositTask","stateMutability":"payable","inputs":[{"name":"taskId","type":"bytes32"},{"name":"worker","type":"address"},{"name":"duration","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"submitWork","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"bytes32"},{"name":"resultHash","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"submitWorkRelayed","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"bytes32"},{"name":"resultHash","type":"bytes"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"refundTask","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"tasks","stateMutability":"view","inputs":[{"name":"taskId","type":"bytes32"}],"outputs":[{"name":"master","type":"address"},{"name":"worker","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"status","type":"uint8"}]},
	{"type":"event","name":"TaskCreated","inputs":[{"name":"taskId","type":"bytes32","indexed":true},{"name":"master","type":"address","indexed":true},{"name":"worker","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"TaskCompleted","inputs":[{"name":"taskId","type":"bytes32","indexed":true},{"name":"result","type":"bytes","indexed":false}],"anonymous":false},
	{"type":"event","name":"TaskRefunded","inputs":[{"name":"taskId","type":"bytes32","indexed":true}],"anonymous":false}
]`
