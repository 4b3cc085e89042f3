package state

import (
	"math"

	coreerrors "purchain/core/errors"
	"purchain/core/types"
)

// txScope is the state one transaction touches, resolved before any
// mutation so a rejected transaction leaves the overlay unchanged.
type txScope struct {
	tx       *types.Transaction
	hash     []byte
	sender   *AccountState
	signer   *AccountState
	otsIndex uint64
	released bool
}

// ApplyTransaction validates tx against the overlay and applies it.
// Validation failures return a *ValidationError carrying the tx hash; the
// overlay is unchanged in that case. Any other error means the container
// must be discarded.
func (c *Container) ApplyTransaction(tx *types.Transaction) error {
	err := c.applyTransaction(tx)
	if v, ok := coreerrors.AsValidation(err); ok && len(v.TxHash) == 0 {
		v.WithTx(tx.TxHash())
	}
	return err
}

func (c *Container) applyTransaction(tx *types.Transaction) error {
	if cb, ok := tx.Payload.(*types.CoinbasePayload); ok {
		return c.applyCoinbase(tx, cb)
	}
	s, err := c.scope(tx)
	if err != nil {
		return err
	}
	if err := c.checkSigner(s); err != nil {
		return err
	}
	switch p := tx.Payload.(type) {
	case *types.TransferPayload:
		err = c.applyTransfer(s, p)
	case *types.TokenPayload:
		err = c.applyToken(s, p)
	case *types.TransferTokenPayload:
		err = c.applyTransferToken(s, p)
	case *types.SlavePayload:
		err = c.applySlave(s, p)
	case *types.MessagePayload:
		err = c.debit(s.sender, tx.Fee)
	case *types.LatticePKPayload:
		err = c.applyLatticePK(s)
	default:
		err = coreerrors.Validation(coreerrors.CodeMalformed, "unsupported transaction type %s", tx.Type())
	}
	if err != nil {
		return err
	}
	return c.consume(s)
}

func (c *Container) scope(tx *types.Transaction) (*txScope, error) {
	sender, err := c.account(tx.AddrFrom())
	if err != nil {
		return nil, err
	}
	signer, err := c.account(tx.AddrFromPK())
	if err != nil {
		return nil, err
	}
	idx, err := tx.OTSIndex()
	if err != nil {
		return nil, coreerrors.Validation(coreerrors.CodeBadSignature, "%v", err)
	}
	return &txScope{tx: tx, hash: tx.TxHash(), sender: sender, signer: signer, otsIndex: idx}, nil
}

// checkSigner enforces slave permission, nonce sequencing and OTS freshness.
// Nonce and OTS usage belong to the signing key's own address.
func (c *Container) checkSigner(s *txScope) error {
	tx := s.tx
	if tx.IsSlaveSigned() {
		slave, ok := s.sender.Slave(tx.PublicKey)
		if !ok {
			return coreerrors.Validation(coreerrors.CodeSlavePermission, "key is not a slave of %x", s.sender.Address)
		}
		if slave.AccessType != types.AccessTypeFull {
			return coreerrors.Validation(coreerrors.CodeSlavePermission, "slave key is limited to mining")
		}
	}
	if tx.Nonce != s.signer.Nonce+1 {
		return coreerrors.Validation(coreerrors.CodeNonceMismatch, "nonce %d, expected %d", tx.Nonce, s.signer.Nonce+1)
	}
	used, err := c.bitfield.IsUsed(s.signer.Address, s.otsIndex)
	if err != nil {
		return err
	}
	if used {
		released, err := c.isReleased(s.signer.Address, s.otsIndex, s.hash)
		if err != nil {
			return err
		}
		if !released {
			return coreerrors.Validation(coreerrors.CodeOTSReused, "ots index %d already used by %x", s.otsIndex, s.signer.Address)
		}
		s.released = true
	}
	return nil
}

// consume advances the signer's nonce and marks the OTS index used.
func (c *Container) consume(s *txScope) error {
	s.signer.Nonce++
	if s.released {
		c.released[string(otsReleasedKey(s.signer.Address, s.otsIndex))] = nil
	}
	return c.bitfield.MarkUsed(s.signer, s.otsIndex)
}

func (c *Container) debit(acct *AccountState, amount uint64) error {
	if acct.Balance < amount {
		return coreerrors.Validation(coreerrors.CodeInsufficientBalance, "balance %d below %d", acct.Balance, amount)
	}
	acct.Balance -= amount
	return nil
}

func credit(acct *AccountState, amount uint64) error {
	if acct.Balance > math.MaxUint64-amount {
		return coreerrors.Invariant("balance overflow on %x", acct.Address)
	}
	acct.Balance += amount
	return nil
}

func (c *Container) accountsFor(addrs [][]byte) ([]*AccountState, error) {
	out := make([]*AccountState, len(addrs))
	for i, addr := range addrs {
		acct, err := c.account(addr)
		if err != nil {
			return nil, err
		}
		out[i] = acct
	}
	return out, nil
}

func addFee(amount, fee uint64) (uint64, error) {
	if amount > math.MaxUint64-fee {
		return 0, coreerrors.Validation(coreerrors.CodeMalformed, "amount plus fee overflows")
	}
	return amount + fee, nil
}

func (c *Container) applyCoinbase(tx *types.Transaction, p *types.CoinbasePayload) error {
	from, err := c.account(tx.MasterAddr)
	if err != nil {
		return err
	}
	to, err := c.account(p.AddrTo)
	if err != nil {
		return err
	}
	if tx.Nonce != from.Nonce+1 {
		return coreerrors.Validation(coreerrors.CodeNonceMismatch, "coinbase nonce %d, expected %d", tx.Nonce, from.Nonce+1)
	}
	if err := c.debit(from, p.Amount); err != nil {
		return err
	}
	from.Nonce++
	return credit(to, p.Amount)
}

func (c *Container) applyTransfer(s *txScope, p *types.TransferPayload) error {
	recipients, err := c.accountsFor(p.AddrsTo)
	if err != nil {
		return err
	}
	amount, err := s.tx.TotalAmount()
	if err != nil {
		return err
	}
	cost, err := addFee(amount, s.tx.Fee)
	if err != nil {
		return err
	}
	if err := c.debit(s.sender, cost); err != nil {
		return err
	}
	for i, to := range recipients {
		if err := credit(to, p.Amounts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) creditToken(acct *AccountState, token []byte, amount uint64) error {
	held := acct.Tokens[string(token)]
	if held > math.MaxUint64-amount {
		return coreerrors.Invariant("token balance overflow on %x", acct.Address)
	}
	if held == 0 {
		if err := indexAdd(c.tokens, acct.Address, token); err != nil {
			return err
		}
	}
	acct.Tokens[string(token)] = held + amount
	return nil
}

func (c *Container) debitToken(acct *AccountState, token []byte, amount uint64) error {
	held := acct.Tokens[string(token)]
	if held < amount {
		return coreerrors.Invariant("token balance of %x below %d", acct.Address, amount)
	}
	if held == amount {
		delete(acct.Tokens, string(token))
		return c.tokens.Remove(acct.Address, token)
	}
	acct.Tokens[string(token)] = held - amount
	return nil
}

func (c *Container) applyToken(s *txScope, p *types.TokenPayload) error {
	existing, err := c.tokenMeta.Get(s.hash)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return coreerrors.Validation(coreerrors.CodeBadToken, "token %x already exists", s.hash)
	}
	holders := make([][]byte, len(p.InitialBalances))
	for i, bal := range p.InitialBalances {
		holders[i] = bal.Address
	}
	accts, err := c.accountsFor(holders)
	if err != nil {
		return err
	}
	if _, err := c.account(p.Owner); err != nil {
		return err
	}
	if err := c.debit(s.sender, s.tx.Fee); err != nil {
		return err
	}
	for i, acct := range accts {
		if err := c.creditToken(acct, s.hash, p.InitialBalances[i].Amount); err != nil {
			return err
		}
	}
	return indexAdd(c.tokenMeta, s.hash, s.hash)
}

func (c *Container) applyTransferToken(s *txScope, p *types.TransferTokenPayload) error {
	meta, err := c.tokenMeta.Get(p.TokenTxHash)
	if err != nil {
		return err
	}
	if len(meta) == 0 {
		return coreerrors.Validation(coreerrors.CodeBadToken, "unknown token %x", p.TokenTxHash)
	}
	recipients, err := c.accountsFor(p.AddrsTo)
	if err != nil {
		return err
	}
	amount, err := p.TokenAmount()
	if err != nil {
		return err
	}
	if held := s.sender.TokenBalance(p.TokenTxHash); held < amount {
		return coreerrors.Validation(coreerrors.CodeInsufficientBalance, "token balance %d below %d", held, amount)
	}
	if err := c.debit(s.sender, s.tx.Fee); err != nil {
		return err
	}
	if err := c.debitToken(s.sender, p.TokenTxHash, amount); err != nil {
		return err
	}
	for i, to := range recipients {
		if err := c.creditToken(to, p.TokenTxHash, p.Amounts[i]); err != nil {
			return err
		}
	}
	return indexAdd(c.tokenMeta, p.TokenTxHash, s.hash)
}

func (c *Container) applySlave(s *txScope, p *types.SlavePayload) error {
	for _, pk := range p.SlavePKs {
		if _, ok := s.sender.Slave(pk); ok {
			return coreerrors.Validation(coreerrors.CodeMalformed, "slave key already registered on %x", s.sender.Address)
		}
	}
	if err := c.debit(s.sender, s.tx.Fee); err != nil {
		return err
	}
	for i, pk := range p.SlavePKs {
		s.sender.Slaves = append(s.sender.Slaves, SlaveDescriptor{
			PublicKey:  append([]byte(nil), pk...),
			AccessType: p.AccessTypes[i],
		})
		if err := indexAdd(c.slaves, pk, s.sender.Address); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) applyLatticePK(s *txScope) error {
	if err := c.debit(s.sender, s.tx.Fee); err != nil {
		return err
	}
	return indexAdd(c.lattice, s.sender.Address, s.hash)
}

// RevertTransaction undoes an applied transaction. The OTS index stays
// marked used; a release record lets the identical transaction be applied
// again on another branch. Every failure here is an invariant violation.
func (c *Container) RevertTransaction(tx *types.Transaction) error {
	if cb, ok := tx.Payload.(*types.CoinbasePayload); ok {
		return c.revertCoinbase(tx, cb)
	}
	s, err := c.scope(tx)
	if err != nil {
		return err
	}
	if s.signer.Nonce != tx.Nonce {
		return coreerrors.Invariant("revert of %x: signer nonce %d, tx nonce %d", s.hash, s.signer.Nonce, tx.Nonce)
	}
	cost := tx.Fee
	switch p := tx.Payload.(type) {
	case *types.TransferPayload:
		recipients, err := c.accountsFor(p.AddrsTo)
		if err != nil {
			return err
		}
		for i, to := range recipients {
			if to.Balance < p.Amounts[i] {
				return coreerrors.Invariant("revert of %x: recipient %x balance too low", s.hash, to.Address)
			}
			to.Balance -= p.Amounts[i]
		}
		amount, err := tx.TotalAmount()
		if err != nil {
			return err
		}
		cost += amount
	case *types.TokenPayload:
		if err := c.tokenMeta.Remove(s.hash, s.hash); err != nil {
			return err
		}
		for i := len(p.InitialBalances) - 1; i >= 0; i-- {
			bal := p.InitialBalances[i]
			acct, err := c.account(bal.Address)
			if err != nil {
				return err
			}
			if err := c.debitToken(acct, s.hash, bal.Amount); err != nil {
				return err
			}
		}
	case *types.TransferTokenPayload:
		if err := c.tokenMeta.Remove(p.TokenTxHash, s.hash); err != nil {
			return err
		}
		recipients, err := c.accountsFor(p.AddrsTo)
		if err != nil {
			return err
		}
		for i := len(recipients) - 1; i >= 0; i-- {
			if err := c.debitToken(recipients[i], p.TokenTxHash, p.Amounts[i]); err != nil {
				return err
			}
		}
		amount, err := p.TokenAmount()
		if err != nil {
			return err
		}
		if err := c.creditToken(s.sender, p.TokenTxHash, amount); err != nil {
			return err
		}
	case *types.SlavePayload:
		for i := len(p.SlavePKs) - 1; i >= 0; i-- {
			pk := p.SlavePKs[i]
			if !s.sender.removeSlave(pk) {
				return coreerrors.Invariant("revert of %x: slave missing on %x", s.hash, s.sender.Address)
			}
			if err := c.slaves.Remove(pk, s.sender.Address); err != nil {
				return err
			}
		}
	case *types.MessagePayload:
	case *types.LatticePKPayload:
		if err := c.lattice.Remove(s.sender.Address, s.hash); err != nil {
			return err
		}
	default:
		return coreerrors.Invariant("revert of unsupported transaction type %s", tx.Type())
	}
	if err := credit(s.sender, cost); err != nil {
		return err
	}
	s.signer.Nonce--
	c.released[string(otsReleasedKey(s.signer.Address, s.otsIndex))] = s.hash
	return nil
}

func (c *Container) revertCoinbase(tx *types.Transaction, p *types.CoinbasePayload) error {
	from, err := c.account(tx.MasterAddr)
	if err != nil {
		return err
	}
	to, err := c.account(p.AddrTo)
	if err != nil {
		return err
	}
	if from.Nonce != tx.Nonce {
		return coreerrors.Invariant("revert of coinbase: nonce %d, tx nonce %d", from.Nonce, tx.Nonce)
	}
	if to.Balance < p.Amount {
		return coreerrors.Invariant("revert of coinbase: beneficiary %x balance too low", to.Address)
	}
	to.Balance -= p.Amount
	from.Nonce--
	return credit(from, p.Amount)
}
