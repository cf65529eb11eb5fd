package ethledger

// marketplaceABI is the subset of the marketplace contract interface the
// gateway calls.
const marketplaceABI = `[
  {"type":"function","name":"getAllBusinessIds","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"string[]"}]},
  {"type":"function","name":"getBusinessData","stateMutability":"view",
   "inputs":[{"name":"businessId","type":"string"}],
   "outputs":[
     {"name":"name","type":"string"},
     {"name":"publicValue1","type":"uint256"},
     {"name":"publicValue2","type":"uint256"},
     {"name":"description","type":"string"},
     {"name":"creator","type":"address"},
     {"name":"timestamp","type":"uint256"},
     {"name":"isVerified","type":"bool"},
     {"name":"decryptedValue","type":"uint32"}
   ]},
  {"type":"function","name":"getEncryptedValue","stateMutability":"view",
   "inputs":[{"name":"businessId","type":"string"}],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"isAvailable","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"createBusinessData","stateMutability":"nonpayable",
   "inputs":[
     {"name":"businessId","type":"string"},
     {"name":"name","type":"string"},
     {"name":"encryptedValue","type":"bytes32"},
     {"name":"inputProof","type":"bytes"},
     {"name":"publicValue1","type":"uint256"},
     {"name":"publicValue2","type":"uint256"},
     {"name":"description","type":"string"}
   ],"outputs":[]},
  {"type":"function","name":"verifyDecryption","stateMutability":"nonpayable",
   "inputs":[
     {"name":"businessId","type":"string"},
     {"name":"abiEncodedClearValue","type":"bytes"},
     {"name":"decryptionProof","type":"bytes"}
   ],"outputs":[]}
]`

// Revert reasons the gateway maps to domain errors.
const (
	reasonAlreadyVerified = "Data already verified"
	reasonNotFound        = "Data not found"
	reasonIDExists        = "ID already exists"
)
